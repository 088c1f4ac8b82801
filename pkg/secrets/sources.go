package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Options selects the sources merged into a Map. Later sources override earlier
// ones: Secrets Manager, then the dotenv file, then the process environment.
type Options struct {
	// Prefix is the token namespace marker (default REPLACEMENTS_).
	Prefix string

	// DotenvFile is an optional .env file.
	DotenvFile string

	// SecretsManagerID is an optional AWS Secrets Manager secret holding a JSON
	// object of tokens to values.
	SecretsManagerID string

	// Region is the AWS region for Secrets Manager.
	Region string

	// Environ is the process environment; nil means os.Environ().
	Environ []string
}

// SecretsManagerAPI is the subset of the Secrets Manager client used here.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Load merges the configured sources into a Map.
func Load(ctx context.Context, opts Options) (Map, error) {
	return LoadWith(ctx, opts, nil)
}

// LoadWith is Load with an explicit Secrets Manager client. When client is nil
// and a secret ID is configured, a client is built from the default AWS config.
func LoadWith(ctx context.Context, opts Options, client SecretsManagerAPI) (Map, error) {
	values := make(map[string]string)

	if opts.SecretsManagerID != "" {
		if client == nil {
			var err error
			client, err = newSecretsManagerClient(ctx, opts.Region)
			if err != nil {
				return Map{}, err
			}
		}
		sm, err := FromSecretsManager(ctx, client, opts.SecretsManagerID)
		if err != nil {
			return Map{}, err
		}
		merge(values, sm)
	}

	if opts.DotenvFile != "" {
		env, err := FromDotenv(opts.DotenvFile)
		if err != nil {
			return Map{}, err
		}
		merge(values, env)
	}

	environ := opts.Environ
	if environ == nil {
		environ = os.Environ()
	}
	merge(values, FromEnviron(environ))

	m := NewMap(opts.Prefix, values)
	log.Debug().
		Int("tokens", m.Len()).
		Str("prefix", m.Prefix()).
		Msg("secret map loaded")

	return m, nil
}

// FromEnviron parses KEY=VALUE pairs as returned by os.Environ.
func FromEnviron(environ []string) map[string]string {
	values := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		values[k] = v
	}
	return values
}

// FromDotenv reads a .env file. A missing file yields an empty set.
func FromDotenv(path string) (map[string]string, error) {
	values, err := godotenv.Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to read dotenv file %s: %w", path, err)
	}
	return values, nil
}

// FromSecretsManager fetches a JSON object secret and returns its string fields.
func FromSecretsManager(ctx context.Context, client SecretsManagerAPI, secretID string) (map[string]string, error) {
	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get secret %s: %w", secretID, err)
	}
	if out.SecretString == nil {
		return nil, fmt.Errorf("secret %s has no string value", secretID)
	}

	var values map[string]string
	if err := json.Unmarshal([]byte(*out.SecretString), &values); err != nil {
		return nil, fmt.Errorf("secret %s is not a JSON object of strings: %w", secretID, err)
	}
	return values, nil
}

func newSecretsManagerClient(ctx context.Context, region string) (*secretsmanager.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}
	return secretsmanager.NewFromConfig(cfg), nil
}

func merge(dst, src map[string]string) {
	for k, v := range src {
		dst[k] = v
	}
}
