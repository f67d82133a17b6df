package arbor

import (
	"crypto/x509"
)

// Hostname is the name a remote node proved through its certificate.
type Hostname string

// HostnameResolver can resolve an hostname from a list of
// `x509.Certificate`, those certificates are the one received from a
// remote node.
//
// The contract of this function is:
//
// *Implementations* MUST NOT be blocking, since they are invoked on
// the connection establishment critical path.
//
// If the resolution is successful, *Implementations* MUST return an hostname
// and a nil error.
//
// Otherwise, *Implementations* MUST return a human-friendly error string
// as a third argument, which will be sent to the remote node, so they can
// debug the error.
type HostnameResolver func(certs []*x509.Certificate) (Hostname, error, string)

// CommonNameResolver is the default resolver used to resolve the hostname
// from the x509 Subject Common Name of the peer certificate.
func CommonNameResolver(certs []*x509.Certificate) (Hostname, error, string) {
	if len(certs) == 0 {
		return "", ErrHostnameResolve, "it seems like you haven't provided client certificate"
	}

	return Hostname(certs[0].Subject.CommonName), nil, ""
}
