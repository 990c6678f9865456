// Package credentials turns a descriptor's transport certificate and basic
// auth settings into session state for the next request
package credentials

import (
	"fmt"

	"api-replay/internal/common/errors"
	"api-replay/internal/common/logging"
	"api-replay/internal/models"
)

// AnyHost scopes basic auth credentials to every host
const AnyHost = "*"

// ClientCertificate is a certificate to present during the TLS handshake.
// Password is already unmasked.
type ClientCertificate struct {
	CertPath string
	KeyPath  string
	Password string
}

// BasicAuth holds unmasked credentials for a host
type BasicAuth struct {
	Username string
	Password string
	Domain   string
	Host     string
}

// Applies reports whether the credentials should be sent to host
func (b BasicAuth) Applies(host string) bool {
	return b.Host == "" || b.Host == AnyHost || b.Host == host
}

// Principal returns the username, prefixed with DOMAIN\ when a domain is set
func (b BasicAuth) Principal() string {
	if b.Domain == "" {
		return b.Username
	}
	return fmt.Sprintf(`%s\%s`, b.Domain, b.Username)
}

// Transport receives the credentials for the session's next request
type Transport interface {
	SetClientCertificate(cert ClientCertificate) error
	SetBasicAuth(auth BasicAuth) error
}

// Unmasker decodes masked credential values
type Unmasker interface {
	Unmask(text string) (string, error)
}

// Configurator applies descriptor credentials to a Transport
type Configurator struct {
	unmasker Unmasker
	logger   logging.Logger
}

// NewConfigurator creates a Configurator
func NewConfigurator(unmasker Unmasker, logger logging.Logger) *Configurator {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Configurator{unmasker: unmasker, logger: logger}
}

// ConfigureTransport registers d's client certificate. It is a no-op when
// the descriptor declares none.
func (c *Configurator) ConfigureTransport(d *models.ApiDescriptor, transport Transport) error {
	if d.TransportCert == nil {
		return nil
	}

	log := c.logger.WithFields(logging.String("api", d.Name))

	if d.TransportCert.CertPath == "" {
		err := errors.ConfigurationError("transport_cert.cert_path is required")
		log.Error("Failed to configure transport certificate", err)
		return err
	}

	password, err := c.unmasker.Unmask(d.TransportCert.Password)
	if err != nil {
		log.Error("Failed to unmask transport certificate password", err)
		return err
	}

	cert := ClientCertificate{
		CertPath: d.TransportCert.CertPath,
		KeyPath:  d.TransportCert.KeyPath,
		Password: password,
	}
	if err := transport.SetClientCertificate(cert); err != nil {
		log.Error("Failed to register transport certificate", err,
			logging.String("cert_path", cert.CertPath))
		return err
	}

	log.Debug("Transport certificate configured", logging.String("cert_path", cert.CertPath))
	return nil
}

// ConfigureUserAuthentication registers d's basic auth credentials. It is a
// no-op when the descriptor declares none.
func (c *Configurator) ConfigureUserAuthentication(d *models.ApiDescriptor, transport Transport) error {
	if d.AuthCredentials == nil {
		return nil
	}

	log := c.logger.WithFields(logging.String("api", d.Name))
	creds := d.AuthCredentials

	if creds.Username == "" || creds.Password == "" {
		err := errors.ConfigurationError("auth_credentials requires both username and password")
		log.Error("Failed to configure user authentication", err)
		return err
	}

	username, err := c.unmasker.Unmask(creds.Username)
	if err != nil {
		log.Error("Failed to unmask username", err)
		return err
	}
	password, err := c.unmasker.Unmask(creds.Password)
	if err != nil {
		log.Error("Failed to unmask password", err)
		return err
	}

	host := creds.Host
	if host == "" {
		host = AnyHost
	}

	auth := BasicAuth{
		Username: username,
		Password: password,
		Domain:   creds.Domain,
		Host:     host,
	}
	if err := transport.SetBasicAuth(auth); err != nil {
		log.Error("Failed to register user authentication", err)
		return err
	}

	log.Debug("User authentication configured",
		logging.String("host", host),
		logging.Bool("domain", creds.Domain != ""))
	return nil
}
