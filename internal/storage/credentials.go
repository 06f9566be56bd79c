package storage

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ccomkhj/datumaro-gui/internal/errhandling"
)

// DefaultCredentialsFile is where static credentials are read from.
const DefaultCredentialsFile = "credentials/aws.yaml"

// DefaultRegion is used when neither the credentials file nor the settings name one.
const DefaultRegion = "us-east-1"

// Credentials is the static credential file layout.
type Credentials struct {
	AccessKeyID     string `yaml:"aws_access_key_id"`
	SecretAccessKey string `yaml:"aws_secret_access_key"`
	SessionToken    string `yaml:"aws_session_token"`
	Region          string `yaml:"region"`
	// Endpoint overrides the S3 endpoint, for S3-compatible stores.
	Endpoint string `yaml:"endpoint"`
}

// LoadCredentials reads a credentials YAML file. A missing file or missing
// keys yield an authentication error.
func LoadCredentials(path string) (*Credentials, error) {
	if path == "" {
		path = DefaultCredentialsFile
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errhandling.NewAuthenticationError(0, fmt.Sprintf("reading credentials file %s", path), err)
	}
	var c Credentials
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, errhandling.NewAuthenticationError(0, fmt.Sprintf("decoding credentials file %s", path), err)
	}
	if c.AccessKeyID == "" || c.SecretAccessKey == "" {
		return nil, errhandling.NewAuthenticationError(0,
			fmt.Sprintf("credentials file %s must set aws_access_key_id and aws_secret_access_key", path), nil)
	}
	return &c, nil
}
