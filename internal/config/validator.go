package config

import (
	"fmt"
	"strings"
)

// SecretValidator reports weak or placeholder secrets. Findings are fatal in
// production and warnings everywhere else.
type SecretValidator struct {
	config   *Config
	errors   []string
	warnings []string
}

func NewSecretValidator(cfg *Config) *SecretValidator {
	return &SecretValidator{
		config:   cfg,
		errors:   []string{},
		warnings: []string{},
	}
}

func (v *SecretValidator) Validate() error {
	isProduction := v.config.App.IsProduction()

	v.validateProviderAPIKey(isProduction)
	v.validateWebhookSecret(isProduction)
	v.validateDatabasePassword(isProduction)
	v.validateStorageCredentials(isProduction)

	if len(v.errors) > 0 {
		return fmt.Errorf("secret validation failed:\n%s", strings.Join(v.errors, "\n"))
	}
	return nil
}

// Warnings returns the non-fatal findings of the last Validate call.
func (v *SecretValidator) Warnings() []string {
	return v.warnings
}

func (v *SecretValidator) validateProviderAPIKey(isProduction bool) {
	key := v.config.Provider.APIKey
	if key == "" {
		v.addError("provider.api_key is not set", isProduction)
		return
	}
	if key == "re_CHANGE_ME" {
		v.addError("provider.api_key is using the default example value", isProduction)
	}
}

func (v *SecretValidator) validateWebhookSecret(isProduction bool) {
	secret := v.config.Provider.WebhookSecret
	if secret == "" {
		v.addError("provider.webhook_secret is not set, webhook signatures will not be verified", isProduction)
		return
	}

	// In development/test, allow prefixed secrets
	if !isProduction && (strings.HasPrefix(secret, "dev-") || strings.HasPrefix(secret, "test-")) {
		return
	}

	if !strings.HasPrefix(secret, "whsec_") {
		v.addWarning("provider.webhook_secret does not have the whsec_ prefix")
	}
	if len(strings.TrimPrefix(secret, "whsec_")) < 24 {
		v.addError("provider.webhook_secret is too short", isProduction)
	}
}

func (v *SecretValidator) validateDatabasePassword(isProduction bool) {
	if v.config.Database.Driver == "sqlite3" {
		return
	}
	password := v.config.Database.Password
	if password == "" {
		v.addWarning("database.password is not set")
		return
	}
	if password == "mailingest_password" {
		v.addError("database.password is using the default example value", isProduction)
		return
	}
	if len(password) < 12 {
		v.addWarning("database.password should be at least 12 characters long")
	}
}

func (v *SecretValidator) validateStorageCredentials(isProduction bool) {
	if v.config.Storage.Type != "s3" {
		return
	}
	s3 := v.config.Storage.S3
	if (s3.AccessKey == "") != (s3.SecretKey == "") {
		v.addError("storage.s3.access_key and storage.s3.secret_key must be set together", isProduction)
	}
}

func (v *SecretValidator) addError(message string, isProduction bool) {
	if isProduction {
		v.errors = append(v.errors, "   "+message)
	} else {
		v.warnings = append(v.warnings, "   "+message)
	}
}

func (v *SecretValidator) addWarning(message string) {
	v.warnings = append(v.warnings, "   "+message)
}

// ValidateSecrets runs a SecretValidator and returns its warnings along with any error.
func ValidateSecrets(cfg *Config) ([]string, error) {
	validator := NewSecretValidator(cfg)
	err := validator.Validate()
	return validator.Warnings(), err
}
