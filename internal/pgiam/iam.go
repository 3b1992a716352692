// Package pgiam signs short-lived AWS RDS IAM auth tokens in place of a
// static Postgres password, for cmd/electric-server deployments against
// RDS/Aurora instances with IAM database authentication enabled.
package pgiam

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	electricconfig "github.com/electric-sql/electric/internal/config"
)

// RDSIAMTokenProvider generates short-lived auth tokens for the
// apply/snapshot pool and the walsource replication connection to
// authenticate against Postgres RDS/Aurora in place of a static
// password in PostgresConfig.DSN.
type RDSIAMTokenProvider struct {
	cfg             aws.Config
	region          string
	roleSessionName string
}

// NewRDSIAMTokenProvider builds a token provider from electric-server's
// PostgresIAMConfig. Returns (nil, nil) when iam.Enabled is false, so
// callers can pass the result straight to ApplyToPoolConfig/
// ApplyToConnConfig without an extra nil check at the call site.
func NewRDSIAMTokenProvider(ctx context.Context, dsn string, iam electricconfig.PostgresIAMConfig) (*RDSIAMTokenProvider, error) {
	if !iam.Enabled {
		return nil, nil
	}
	connCfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	region := strings.TrimSpace(iam.Region)
	if region == "" {
		region = inferAWSRegionFromHost(connCfg.Host)
	}
	if region == "" {
		return nil, errors.New("pgiam: ELECTRIC_POSTGRES_IAM_REGION is required when IAM auth is enabled and the host isn't a *.rds.<region>.amazonaws.com endpoint")
	}
	roleSessionName := strings.TrimSpace(iam.RoleSessionName)
	if iam.RoleARN != "" && roleSessionName == "" {
		roleSessionName = "electric-rds-iam"
	}

	loader := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	if iam.Profile != "" {
		loader = append(loader, config.WithSharedConfigProfile(iam.Profile))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loader...)
	if err != nil {
		return nil, fmt.Errorf("pgiam: load aws config: %w", err)
	}
	if iam.RoleARN != "" {
		stsClient := sts.NewFromConfig(awsCfg)
		roleProvider := stscreds.NewAssumeRoleProvider(stsClient, iam.RoleARN, func(o *stscreds.AssumeRoleOptions) {
			o.RoleSessionName = roleSessionName
			if iam.RoleExternalID != "" {
				o.ExternalID = aws.String(iam.RoleExternalID)
			}
		})
		awsCfg.Credentials = aws.NewCredentialsCache(roleProvider)
	}
	if iam.Endpoint != "" {
		awsCfg.BaseEndpoint = aws.String(iam.Endpoint)
	}

	return &RDSIAMTokenProvider{cfg: awsCfg, region: region, roleSessionName: roleSessionName}, nil
}

// ApplyToPoolConfig wraps cfg's BeforeConnect hook so every pooled
// connection authenticates with a freshly signed IAM token instead of
// cfg's static password (RDS IAM tokens expire after 15 minutes, so
// this must run per-connection, not once at pool construction).
func (p *RDSIAMTokenProvider) ApplyToPoolConfig(ctx context.Context, cfg *pgxpool.Config) error {
	if p == nil {
		return nil
	}
	before := cfg.BeforeConnect
	cfg.BeforeConnect = func(ctx context.Context, connCfg *pgx.ConnConfig) error {
		if before != nil {
			if err := before(ctx, connCfg); err != nil {
				return err
			}
		}
		token, err := p.Token(ctx, connCfg.Host, connCfg.Port, connCfg.User)
		if err != nil {
			return err
		}
		connCfg.Password = token
		return nil
	}
	return nil
}

// ApplyToConnConfig signs a fresh token directly into connCfg, for
// walsource's replication connection which reconnects (and so
// re-authenticates) on every Subscribe call rather than going through
// a pgxpool.Config's BeforeConnect hook.
func (p *RDSIAMTokenProvider) ApplyToConnConfig(ctx context.Context, connCfg *pgconn.Config) error {
	if p == nil {
		return nil
	}
	token, err := p.Token(ctx, connCfg.Host, connCfg.Port, connCfg.User)
	if err != nil {
		return err
	}
	connCfg.Password = token
	return nil
}

// Token signs an RDS IAM auth token for user connecting to host:port,
// by SigV4-presigning a pseudo "connect" request the same way the RDS
// IAM auth proxy validates it server-side: the token IS the presigned
// URL (minus scheme), never an actual HTTP round trip.
func (p *RDSIAMTokenProvider) Token(ctx context.Context, host string, port uint16, user string) (string, error) {
	if p == nil {
		return "", errors.New("pgiam: rds iam provider not configured")
	}
	if host == "" || strings.HasPrefix(host, "/") {
		return "", fmt.Errorf("pgiam: rds iam requires a TCP hostname (got %q)", host)
	}
	if port == 0 {
		return "", errors.New("pgiam: rds iam requires a port")
	}
	if user == "" {
		return "", errors.New("pgiam: rds iam requires a user")
	}

	endpoint := fmt.Sprintf("%s:%d", host, port)
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "https://" + endpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("pgiam: build rds request: %w", err)
	}
	query := req.URL.Query()
	query.Set("Action", "connect")
	query.Set("DBUser", user)
	query.Set("X-Amz-Expires", "900")
	req.URL.RawQuery = query.Encode()

	creds, err := p.cfg.Credentials.Retrieve(ctx)
	if err != nil {
		return "", fmt.Errorf("pgiam: retrieve aws credentials: %w", err)
	}

	payloadHash := sha256.Sum256(nil)
	signer := v4.NewSigner()
	signedURL, _, err := signer.PresignHTTP(ctx, creds, req, hex.EncodeToString(payloadHash[:]), "rds-db", p.region, time.Now())
	if err != nil {
		return "", fmt.Errorf("pgiam: sign rds auth token: %w", err)
	}

	signedURL = strings.TrimPrefix(signedURL, "https://")
	signedURL = strings.TrimPrefix(signedURL, "http://")
	return signedURL, nil
}

// inferAWSRegionFromHost extracts the region segment out of an RDS/
// Aurora endpoint (e.g. "mydb.c123.us-east-1.rds.amazonaws.com"),
// so ELECTRIC_POSTGRES_IAM_REGION can be left unset for the common
// case of connecting straight to an RDS-issued hostname.
func inferAWSRegionFromHost(host string) string {
	if host == "" {
		return ""
	}
	host = strings.TrimSpace(host)
	host = strings.TrimPrefix(host, "https://")
	host = strings.TrimPrefix(host, "http://")
	host = strings.Split(host, ":")[0]
	parts := strings.Split(host, ".")
	for i := 1; i < len(parts); i++ {
		if parts[i] == "rds" {
			return parts[i-1]
		}
	}
	return ""
}
