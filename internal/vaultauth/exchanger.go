// Package vaultauth exchanges the Lambda's ambient AWS identity for a
// short-lived Nomad token via Vault.
package vaultauth

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/cenkalti/backoff/v4"
	vaultapi "github.com/hashicorp/vault/api"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/lawliet89/nomad-drain/internal/secret"
)

// AuthError is a failed credential exchange. Permanent errors indicate
// misconfiguration (bad signature, unknown role, policy mismatch) and were
// not retried; the rest exhausted their retry budget.
type AuthError struct {
	Op        string
	Err       error
	Permanent bool
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("vault auth: %s: %s", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Config for the credential exchange.
type Config struct {
	// VaultAddress is the Vault server URL, scheme included.
	VaultAddress string
	// AuthPath is the mount path of the AWS auth method, usually "aws".
	AuthPath string
	// AuthRole is the AWS auth role to log in as.
	AuthRole string
	// AuthHeaderValue is set when the auth method has
	// iam_server_id_header_value configured.
	AuthHeaderValue string
	// NomadPath is the mount path of the Nomad secret engine.
	NomadPath string
	// NomadRole is the Nomad secret engine role to mint a token for.
	NomadRole string
	// VaultToken, when set, skips the AWS IAM login.
	VaultToken secret.Secret
	// NomadToken, when set, skips Vault entirely.
	NomadToken secret.Secret
	// MaxAttempts bounds retries of transient Vault failures.
	MaxAttempts int
}

// ScopedToken is a Nomad credential owned by the current invocation. It is
// never cached: every invocation authenticates fresh.
type ScopedToken struct {
	Value         secret.Secret
	IssuedAt      time.Time
	LeaseDuration time.Duration

	leaseID string
	vault   *vaultapi.Client
}

// Exchanger turns an ambient AWS identity into a ScopedToken.
type Exchanger struct {
	cfg    Config
	sess   client.ConfigProvider
	logger zerolog.Logger
}

// New constructs an Exchanger. sess supplies the AWS credentials used to
// sign the identity assertion.
func New(cfg Config, sess client.ConfigProvider, logger zerolog.Logger) (*Exchanger, error) {
	if cfg.NomadToken.IsEmpty() {
		if cfg.VaultAddress == "" {
			return nil, errors.New("vault address must not be empty")
		}
		if cfg.VaultToken.IsEmpty() && cfg.AuthRole == "" {
			return nil, errors.New("vault auth role must not be empty")
		}
		if cfg.NomadRole == "" {
			return nil, errors.New("nomad secret role must not be empty")
		}
	}
	if cfg.AuthPath == "" {
		cfg.AuthPath = "aws"
	}
	if cfg.NomadPath == "" {
		cfg.NomadPath = "nomad"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Exchanger{cfg: cfg, sess: sess, logger: logger}, nil
}

// Login produces a Nomad token for this invocation. Misconfiguration fails
// immediately; transient Vault failures are retried with exponential backoff
// bounded by ctx.
func (x *Exchanger) Login(ctx context.Context) (*ScopedToken, error) {
	if !x.cfg.NomadToken.IsEmpty() {
		x.logger.Info().Msg("using statically configured Nomad token")
		return &ScopedToken{Value: x.cfg.NomadToken, IssuedAt: time.Now()}, nil
	}

	vc, err := x.vaultClient()
	if err != nil {
		return nil, &AuthError{Op: "client", Err: err, Permanent: true}
	}

	if !x.cfg.VaultToken.IsEmpty() {
		x.logger.Info().Msg("using statically configured Vault token")
		vc.SetToken(x.cfg.VaultToken.Value())
	} else if err := x.loginAWSIAM(ctx, vc); err != nil {
		return nil, err
	}

	return x.mintNomadToken(ctx, vc)
}

func (x *Exchanger) vaultClient() (*vaultapi.Client, error) {
	vcfg := vaultapi.DefaultConfig()
	vcfg.Address = x.cfg.VaultAddress
	// Retry policy is ours, not retryablehttp's.
	vcfg.MaxRetries = 0
	return vaultapi.NewClient(vcfg)
}

func (x *Exchanger) loginAWSIAM(ctx context.Context, vc *vaultapi.Client) error {
	x.logger.Info().
		Str("auth_path", x.cfg.AuthPath).
		Str("auth_role", x.cfg.AuthRole).
		Msg("logging in to Vault with AWS IAM credentials")

	data, err := buildLoginData(x.sess, x.cfg.AuthHeaderValue)
	if err != nil {
		// No ambient identity is misconfiguration, not a transient fault.
		return &AuthError{Op: "login payload", Err: err, Permanent: true}
	}
	data["role"] = x.cfg.AuthRole

	loginPath := path.Join("auth", x.cfg.AuthPath, "login")
	op := func() error {
		login, err := vc.Logical().WriteWithContext(ctx, loginPath, data)
		if err != nil {
			return classify(err)
		}
		if login == nil || login.Auth == nil || login.Auth.ClientToken == "" {
			return backoff.Permanent(errors.New("login response contains no client token"))
		}
		vc.SetToken(login.Auth.ClientToken)
		return nil
	}

	if permanent, err := x.retry(ctx, op); err != nil {
		return &AuthError{Op: "login", Err: err, Permanent: permanent}
	}
	return nil
}

func (x *Exchanger) mintNomadToken(ctx context.Context, vc *vaultapi.Client) (*ScopedToken, error) {
	credsPath := fmt.Sprintf("%s/creds/%s", x.cfg.NomadPath, x.cfg.NomadRole)
	x.logger.Info().Str("path", credsPath).Msg("minting Nomad token from Vault")

	var token *ScopedToken
	op := func() error {
		creds, err := vc.Logical().ReadWithContext(ctx, credsPath)
		if err != nil {
			return classify(err)
		}
		if creds == nil {
			return backoff.Permanent(errors.Errorf("no secret at %s", credsPath))
		}
		secretID, ok := creds.Data["secret_id"].(string)
		if !ok || secretID == "" {
			return backoff.Permanent(errors.Errorf("secret at %s contains no secret_id", credsPath))
		}
		token = &ScopedToken{
			Value:         secret.Secret(secretID),
			IssuedAt:      time.Now(),
			LeaseDuration: time.Duration(creds.LeaseDuration) * time.Second,
			leaseID:       creds.LeaseID,
			vault:         vc,
		}
		return nil
	}

	if permanent, err := x.retry(ctx, op); err != nil {
		return nil, &AuthError{Op: "mint nomad token", Err: err, Permanent: permanent}
	}

	x.logger.Info().
		Dur("lease_duration", token.LeaseDuration).
		Msg("Nomad token minted")
	return token, nil
}

// retry runs op with bounded exponential backoff. backoff.Retry strips the
// PermanentError wrapper from the error it returns, so permanence is
// recorded here while the wrapper is still visible.
func (x *Exchanger) retry(ctx context.Context, op backoff.Operation) (bool, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	permanent := false
	wrapped := func() error {
		err := op()
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			permanent = true
		}
		return err
	}
	err := backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(x.cfg.MaxAttempts-1)), ctx))
	return permanent, err
}

// classify marks 4xx Vault responses permanent. Invalid signatures, unknown
// roles and policy mismatches all surface as 4xx and retrying them cannot
// help.
func classify(err error) error {
	var respErr *vaultapi.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode >= 400 && respErr.StatusCode < 500 {
		return backoff.Permanent(err)
	}
	return err
}

// Revoke releases the token at the end of the invocation: the Nomad token
// lease first, then the Vault token itself. Best-effort; failures are logged
// and the lease expires on its own.
func (t *ScopedToken) Revoke(ctx context.Context, logger zerolog.Logger) {
	if t.vault == nil {
		return
	}
	if t.leaseID != "" {
		if err := t.vault.Sys().RevokeWithContext(ctx, t.leaseID); err != nil {
			logger.Warn().Err(err).Msg("revoking Nomad token lease failed")
		}
	}
	if err := t.vault.Auth().Token().RevokeSelfWithContext(ctx, ""); err != nil {
		logger.Warn().Err(err).Msg("revoking Vault token failed")
	}
}
