// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package shared

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"

	"github.com/tombee/grinder/sdk"
)

// DefaultHostAddr is the daemon's default listen address, shown in help
// text.
const DefaultHostAddr = sdk.DefaultAddr

// keyringService namespaces grinder tokens in the system keychain.
const keyringService = "grinder"

// ResolveHost returns the effective daemon address: the --host flag,
// then GRINDER_HOST, then the default.
func ResolveHost() string {
	if hostFlag != "" {
		return hostFlag
	}
	if env := os.Getenv(sdk.HostEnv); env != "" {
		return env
	}
	return "tcp://" + sdk.DefaultAddr
}

// NewClient builds an sdk client for the resolved host with the stored
// token attached. Commands that work without authentication get one the
// same way; the daemon decides what needs a token.
func NewClient() (*sdk.Client, error) {
	host := ResolveHost()

	opts := []sdk.Option{}
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		opts = append(opts, sdk.WithBaseURL(host))
	} else {
		transport, err := sdk.ParseHost(host)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdk.WithTransport(transport))
	}

	if token, err := LoadToken(host); err == nil && token != "" {
		opts = append(opts, sdk.WithToken(token))
	}
	return sdk.New(opts...)
}

// SaveToken stores a login token for host in the system keychain.
// Tokens are per-host so one CLI can talk to several daemons.
func SaveToken(host, token string) error {
	if err := keyring.Set(keyringService, host, token); err != nil {
		return fmt.Errorf("failed to store token in keychain: %w", err)
	}
	return nil
}

// LoadToken returns the stored token for host. GRINDER_TOKEN overrides
// the keychain, for headless environments without one.
func LoadToken(host string) (string, error) {
	if env := os.Getenv(sdk.TokenEnv); env != "" {
		return env, nil
	}
	token, err := keyring.Get(keyringService, host)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read token from keychain: %w", err)
	}
	return token, nil
}

// ClearToken removes the stored token for host. A missing entry is not
// an error.
func ClearToken(host string) error {
	err := keyring.Delete(keyringService, host)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to remove token from keychain: %w", err)
	}
	return nil
}
