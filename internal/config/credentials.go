package config

import (
	"encoding/json"
	"fmt"
	"strings"

	deployerrors "experiment-deployer/internal/errors"
	"experiment-deployer/internal/resource"
)

const (
	// PlatformCredentialsFile is read from a customer directory selected by --customer-id.
	PlatformCredentialsFile = ".credentials"
	// CustomerCredentialsFile is read from the workspace root otherwise.
	CustomerCredentialsFile = "credentials.json"
)

type Credentials struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// Client is a resolved client directory and the credentials found in it.
type Client struct {
	Dir         string
	Credentials Credentials
}

// ClientDir finds the directory under root whose name contains customerID.
// An empty customerID selects root itself.
func ClientDir(root *resource.Store, customerID string) (string, error) {
	if customerID == "" {
		return ".", nil
	}
	entries, err := root.ReadDir(".")
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.IsDir() && strings.Contains(e.Name(), customerID) {
			return e.Name(), nil
		}
	}
	return "", &deployerrors.PreconditionError{
		Path: root.Location(customerID),
		Err:  fmt.Errorf("%w: no client directory for customer id %q", deployerrors.ErrMissingDirectory, customerID),
	}
}

// LoadClient resolves the client directory and reads its credentials file.
func LoadClient(root *resource.Store, customerID string) (Client, error) {
	dir, err := ClientDir(root, customerID)
	if err != nil {
		return Client{}, err
	}
	name := CustomerCredentialsFile
	if customerID != "" {
		name = PlatformCredentialsFile
	}
	path := root.Join(dir, name)

	raw, ok, err := root.Read(path)
	if err != nil {
		return Client{}, err
	}
	if !ok {
		return Client{}, &deployerrors.PreconditionError{Path: root.Location(path), Err: deployerrors.ErrMissingCredentials}
	}

	var creds Credentials
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return Client{}, fmt.Errorf("decode credentials %s: %w", root.Location(path), err)
	}
	if creds.ClientID == "" || creds.ClientSecret == "" {
		return Client{}, &deployerrors.PreconditionError{
			Path: root.Location(path),
			Err:  fmt.Errorf("%w: client_id and client_secret are required", deployerrors.ErrMissingCredentials),
		}
	}
	return Client{Dir: dir, Credentials: creds}, nil
}
