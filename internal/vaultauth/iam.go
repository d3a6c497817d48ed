package vaultauth

import (
	"encoding/base64"
	"encoding/json"
	"io"

	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/service/sts"
	"github.com/pkg/errors"
)

// Header recognized by Vault's AWS auth method when
// iam_server_id_header_value is configured on the role.
const iamServerIDHeader = "X-Vault-AWS-IAM-Server-ID"

// buildLoginData signs an sts:GetCallerIdentity request with the ambient AWS
// credentials and packages it the way Vault's AWS IAM auth method expects.
// The request is never sent to STS; Vault replays it server-side to verify
// the caller's identity.
func buildLoginData(sess client.ConfigProvider, headerValue string) (map[string]interface{}, error) {
	svc := sts.New(sess)
	req, _ := svc.GetCallerIdentityRequest(&sts.GetCallerIdentityInput{})
	if headerValue != "" {
		req.HTTPRequest.Header.Add(iamServerIDHeader, headerValue)
	}
	if err := req.Sign(); err != nil {
		return nil, errors.WithMessage(err, "signing sts:GetCallerIdentity request")
	}

	headers, err := json.Marshal(req.HTTPRequest.Header)
	if err != nil {
		return nil, errors.WithMessage(err, "marshaling signed headers")
	}
	body, err := io.ReadAll(req.HTTPRequest.Body)
	if err != nil {
		return nil, errors.WithMessage(err, "reading signed request body")
	}

	return map[string]interface{}{
		"iam_http_request_method": req.HTTPRequest.Method,
		"iam_request_url":         base64.StdEncoding.EncodeToString([]byte(req.HTTPRequest.URL.String())),
		"iam_request_headers":     base64.StdEncoding.EncodeToString(headers),
		"iam_request_body":        base64.StdEncoding.EncodeToString(body),
	}, nil
}
