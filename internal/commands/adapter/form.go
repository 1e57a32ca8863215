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

package adapter

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"

	"github.com/tombee/grinder/internal/commands/shared"
	"github.com/tombee/grinder/sdk"
)

// promptSchema renders an adapter's config schema as a form. Field
// kinds map onto widgets: text and number to inputs, password to a
// hidden input, bool to a confirm. The daemon re-validates whatever
// comes back, so the form only does first-line checks.
func promptSchema(a *sdk.Adapter) (map[string]string, error) {
	texts := make(map[string]*string, len(a.ConfigSchema))
	bools := make(map[string]*bool)

	fields := make([]huh.Field, 0, len(a.ConfigSchema))
	for _, f := range a.ConfigSchema {
		label := f.Label
		if label == "" {
			label = f.Name
		}

		switch f.Kind {
		case "bool":
			v := f.Default == "true"
			bools[f.Name] = &v
			fields = append(fields, huh.NewConfirm().
				Title(label).
				Description(f.Help).
				Value(&v))
		case "password":
			v := ""
			texts[f.Name] = &v
			fields = append(fields, huh.NewInput().
				Title(label).
				Description(f.Help).
				EchoMode(huh.EchoModePassword).
				Validate(requiredValidator(f)).
				Value(&v))
		case "number":
			v := f.Default
			texts[f.Name] = &v
			fields = append(fields, huh.NewInput().
				Title(label).
				Description(f.Help).
				Validate(numberValidator(f)).
				Value(&v))
		default: // text
			v := f.Default
			texts[f.Name] = &v
			fields = append(fields, huh.NewInput().
				Title(label).
				Description(f.Help).
				Placeholder(f.Default).
				Validate(requiredValidator(f)).
				Value(&v))
		}
	}

	form := huh.NewForm(huh.NewGroup(fields...).
		Title(a.DisplayName).
		Description("Credentials are stored encrypted, scoped to your user."))
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			os.Exit(shared.ExitInterrupted)
		}
		return nil, err
	}

	values := map[string]string{}
	for name, v := range texts {
		if *v != "" {
			values[name] = *v
		}
	}
	for name, v := range bools {
		values[name] = strconv.FormatBool(*v)
	}
	return values, nil
}

func requiredValidator(f sdk.ConfigField) func(string) error {
	return func(s string) error {
		if f.Required && s == "" {
			return fmt.Errorf("%s is required", f.Name)
		}
		return nil
	}
}

func numberValidator(f sdk.ConfigField) func(string) error {
	return func(s string) error {
		if s == "" {
			if f.Required {
				return fmt.Errorf("%s is required", f.Name)
			}
			return nil
		}
		if _, err := strconv.Atoi(s); err != nil {
			return fmt.Errorf("%s must be a number", f.Name)
		}
		return nil
	}
}
