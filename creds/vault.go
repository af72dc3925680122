/*
Copyright © 2025 OSImager Authors

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/

package creds

import (
	"context"
	"fmt"
	"strings"
	"time"

	vault "github.com/hashicorp/vault/api"

	"github.com/osimager/osimager/errors"
)

// VaultProvider reads secrets from a Vault KV v2 store using a bearer token.
// Each lookup is a single read; failures surface to the caller and fail the
// build that needed the secret.
type VaultProvider struct {
	client  *vault.Client
	timeout time.Duration
}

// NewVaultProvider connects to the given server. The token is verified on
// first use, not here, so offline resolution paths that never touch a secret
// do not require a reachable Vault.
func NewVaultProvider(addr, token string) (*VaultProvider, error) {
	cfg := vault.DefaultConfig()
	cfg.Address = addr

	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, errors.WithKind(errors.KindSourceUnavailable,
			fmt.Errorf("failed to create vault client for %s: %w", addr, err))
	}
	client.SetToken(token)

	return &VaultProvider{client: client, timeout: 15 * time.Second}, nil
}

// GetSecret reads one KV v2 entry. The first path segment is the mount; the
// rest is the secret path under it.
func (p *VaultProvider) GetSecret(path, key string) (string, error) {
	mount, sub, ok := strings.Cut(strings.Trim(path, "/"), "/")
	if !ok {
		return "", errors.E(errors.KindSecretUnavailable,
			"secret path %q has no mount prefix", path)
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	secret, err := p.client.KVv2(mount).Get(ctx, sub)
	if err != nil {
		return "", p.classify(path, err)
	}
	value, ok := secret.Data[key]
	if !ok {
		return "", errors.E(errors.KindSecretUnavailable,
			"secret %s has no key %q", path, key)
	}
	s, ok := value.(string)
	if !ok {
		return "", errors.E(errors.KindSecretUnavailable,
			"secret %s key %q is not a string", path, key)
	}
	return s, nil
}

// classify maps a vault API error to the credential error taxonomy.
func (p *VaultProvider) classify(path string, err error) error {
	var respErr *vault.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case 401, 403:
			return errors.WithKind(errors.KindAuthFailed,
				fmt.Errorf("vault denied access to %s: %w", path, err))
		case 404:
			return errors.WithKind(errors.KindSecretUnavailable,
				fmt.Errorf("secret %s not found: %w", path, err))
		}
	}
	if errors.Is(err, vault.ErrSecretNotFound) {
		return errors.WithKind(errors.KindSecretUnavailable,
			fmt.Errorf("secret %s not found: %w", path, err))
	}
	return errors.WithKind(errors.KindSourceUnavailable,
		fmt.Errorf("vault read of %s failed: %w", path, err))
}

// ResolveEmbeddedRefs leaves {{vault ...}} references untouched: when the
// remote source is active the downstream tool resolves them itself through
// VAULT_ADDR and VAULT_TOKEN.
func (p *VaultProvider) ResolveEmbeddedRefs(doc interface{}) (interface{}, error) {
	return doc, nil
}
