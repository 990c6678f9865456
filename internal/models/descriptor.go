// Package models holds the declarative API descriptor consumed by the request
// builder. Descriptors are produced by the descriptors parser and are treated
// as read-only everywhere else.
package models

import (
	"fmt"
	"net/url"
	"strings"
)

// ApiDescriptor is the declarative specification of one API call
type ApiDescriptor struct {
	Name               string            `yaml:"name" toml:"name" json:"name" validate:"required"`
	URL                string            `yaml:"url" toml:"url" json:"url" validate:"required"`
	Method             string            `yaml:"method" toml:"method" json:"method,omitempty" validate:"http_method"`
	Headers            map[string]string `yaml:"headers" toml:"headers" json:"headers,omitempty" validate:"dive,keys,header_name,endkeys"`
	Payload            interface{}       `yaml:"payload" toml:"payload" json:"payload,omitempty"`
	ResponseMapping    ResponseMapping   `yaml:"response_mapping" toml:"response_mapping" json:"response_mapping,omitempty"`
	TransportCert      *TransportCert    `yaml:"transport_cert" toml:"transport_cert" json:"transport_cert,omitempty" validate:"omitempty"`
	AuthCredentials    *AuthCredentials  `yaml:"auth_credentials" toml:"auth_credentials" json:"auth_credentials,omitempty"`
	JWTConfig          *JWTConfig        `yaml:"jwt_config" toml:"jwt_config" json:"jwt_config,omitempty" validate:"omitempty"`
	DisableRedirection bool              `yaml:"disableRedirection" toml:"disableRedirection" json:"disableRedirection,omitempty"`
}

// ResponseMapping declares what to pull out of the response
type ResponseMapping struct {
	// Extractors maps a value name to either a JSONPath shorthand string or a
	// {type, rule} object; see the extractors package for the accepted shapes.
	Extractors map[string]interface{} `yaml:"extractors" toml:"extractors" json:"extractors,omitempty"`
}

// TransportCert is a client certificate presented during the TLS handshake
type TransportCert struct {
	CertPath string `yaml:"cert_path" toml:"cert_path" json:"cert_path" validate:"required"`
	KeyPath  string `yaml:"key_path" toml:"key_path" json:"key_path"`
	Password string `yaml:"password" toml:"password" json:"password,omitempty"`
}

// AuthCredentials are basic-auth credentials scoped to a host
type AuthCredentials struct {
	Username string `yaml:"username" toml:"username" json:"username"`
	Password string `yaml:"password" toml:"password" json:"password"`
	Domain   string `yaml:"domain" toml:"domain" json:"domain,omitempty"`
	Host     string `yaml:"host" toml:"host" json:"host,omitempty"`
}

// JWTConfig configures a signed client assertion
type JWTConfig struct {
	SigningKeyID        string `yaml:"signing_key_id" toml:"signing_key_id" json:"signing_key_id" validate:"required"`
	SigningPrivateKey   string `yaml:"signing_private_key" toml:"signing_private_key" json:"signing_private_key,omitempty" validate:"required_without=SigningCert"`
	SigningCert         string `yaml:"signing_cert" toml:"signing_cert" json:"signing_cert,omitempty" validate:"required_without=SigningPrivateKey"`
	SigningCertPassword string `yaml:"signing_cert_password" toml:"signing_cert_password" json:"signing_cert_password,omitempty"`
	Scope               string `yaml:"scope" toml:"scope" json:"scope,omitempty"`
	ValiditySeconds     int    `yaml:"validity_seconds" toml:"validity_seconds" json:"validity_seconds,omitempty" validate:"gte=0"`
}

// NormalizedMethod returns the upper-cased method, GET when unset
func (d *ApiDescriptor) NormalizedMethod() string {
	if d.Method == "" {
		return "GET"
	}
	return strings.ToUpper(d.Method)
}

// ExtractorNames returns the names declared under response_mapping.extractors
func (d *ApiDescriptor) ExtractorNames() []string {
	names := make([]string, 0, len(d.ResponseMapping.Extractors))
	for name := range d.ResponseMapping.Extractors {
		names = append(names, name)
	}
	return names
}

// PayloadValue reads a top-level field from the payload. Structured payloads
// are looked up by key; string payloads are parsed as form-encoded bodies.
func (d *ApiDescriptor) PayloadValue(key string) (string, bool) {
	switch p := d.Payload.(type) {
	case map[string]interface{}:
		v, ok := p[key]
		if !ok || v == nil {
			return "", false
		}
		return fmt.Sprint(v), true
	case string:
		values, err := url.ParseQuery(p)
		if err != nil || !values.Has(key) {
			return "", false
		}
		return values.Get(key), true
	default:
		return "", false
	}
}
