package quic

import (
	"crypto/tls"
	"errors"
)

// PeerIdentifier names the peer of a QUIC connection from its TLS state.
// It runs on the connection establishment path and must not block.
type PeerIdentifier func(state tls.ConnectionState) (string, error)

// Rejection is returned by a PeerIdentifier to turn a peer away. The
// reason travels back to the peer in the connection close frame.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string {
	return "quic: peer rejected: " + r.Reason
}

// IdentifyByCommonName names the peer after the subject common name of its
// leaf certificate.
func IdentifyByCommonName(state tls.ConnectionState) (string, error) {
	if len(state.PeerCertificates) == 0 {
		return "", &Rejection{Reason: "no certificate presented"}
	}
	cn := state.PeerCertificates[0].Subject.CommonName
	if cn == "" {
		return "", &Rejection{Reason: "certificate has no common name"}
	}
	return cn, nil
}

func rejectReason(err error) string {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej.Reason
	}
	return "could not identify peer"
}
