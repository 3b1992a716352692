package schemacache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/glue"
	gluetypes "github.com/aws/aws-sdk-go-v2/service/glue/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/electric-sql/electric/internal/collab"
)

// GluePublisher records every snapshotted schema_version relation set
// to AWS Glue Schema Registry, giving operators a durable, versioned
// external record of what an origin's electrified schema looked like at
// a given schema_version - independent of the schema_version_relations
// table SnapshotVersion already writes to Postgres itself.
type GluePublisher struct {
	client   *glue.Client
	registry string
}

// GlueConfig configures GluePublisher's AWS session.
type GlueConfig struct {
	Region   string
	Profile  string
	RoleARN  string
	Endpoint string
	Registry string
}

func NewGluePublisher(ctx context.Context, cfg GlueConfig) (*GluePublisher, error) {
	loadOpts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("schemacache: load aws config: %w", err)
	}
	if cfg.RoleARN != "" {
		stsClient := sts.NewFromConfig(awsCfg)
		awsCfg.Credentials = aws.NewCredentialsCache(stscreds.NewAssumeRoleProvider(stsClient, cfg.RoleARN))
	}
	client := glue.NewFromConfig(awsCfg, func(o *glue.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	registry := cfg.Registry
	if registry == "" {
		registry = "electric"
	}
	return &GluePublisher{client: client, registry: registry}, nil
}

// Publish registers origin's relation set at version as one Glue schema
// version, named after origin so every table's shape at that point in
// time is recoverable from the registry even if Postgres's own
// schema_version_relations row is ever pruned.
func (p *GluePublisher) Publish(ctx context.Context, origin, version string, relations []collab.Relation) error {
	payload, err := json.Marshal(relations)
	if err != nil {
		return fmt.Errorf("schemacache: encode relations for glue: %w", err)
	}

	schemaID := &gluetypes.SchemaId{
		RegistryName: aws.String(p.registry),
		SchemaName:   aws.String(sanitizeGlueSchemaName(origin)),
	}

	if err := p.ensureSchema(ctx, schemaID, string(payload)); err != nil {
		return err
	}
	_, err = p.client.RegisterSchemaVersion(ctx, &glue.RegisterSchemaVersionInput{
		SchemaId:         schemaID,
		SchemaDefinition: aws.String(string(payload)),
	})
	if err != nil {
		return fmt.Errorf("schemacache: register glue schema version %s/%s: %w", origin, version, err)
	}
	return nil
}

func (p *GluePublisher) ensureSchema(ctx context.Context, schemaID *gluetypes.SchemaId, firstDefinition string) error {
	_, err := p.client.GetSchema(ctx, &glue.GetSchemaInput{SchemaId: schemaID})
	if err == nil {
		return nil
	}
	var notFound *gluetypes.EntityNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("schemacache: get glue schema: %w", err)
	}
	_, err = p.client.CreateSchema(ctx, &glue.CreateSchemaInput{
		RegistryId:       &gluetypes.RegistryId{RegistryName: aws.String(p.registry)},
		SchemaName:       schemaID.SchemaName,
		DataFormat:       gluetypes.DataFormatJson,
		SchemaDefinition: aws.String(firstDefinition),
	})
	if err != nil {
		return fmt.Errorf("schemacache: create glue schema: %w", err)
	}
	return nil
}

var glueSchemaNameSanitizer = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

func sanitizeGlueSchemaName(subject string) string {
	return glueSchemaNameSanitizer.ReplaceAllString(strings.TrimSpace(subject), "_")
}
