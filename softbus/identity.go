package softbus

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/pion/dtls/v2/pkg/crypto/fingerprint"
)

// Identity is the TLS identity of a bus end: a self-signed ECDSA
// certificate whose fingerprint can be pinned by the peer.
type Identity struct {
	Certificate *tls.Certificate
}

// NewIdentity generates a fresh self-signed certificate for the given
// device name.
func NewIdentity(name string) (*Identity, error) {
	privKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, err
	}
	pubKey := privKey.Public()

	var snBase uint32
	if err := binary.Read(rand.Reader, binary.BigEndian, &snBase); err != nil {
		return nil, err
	}
	serialNumber := uint64(snBase) << 32

	cn := fmt.Sprintf("%d._castengine._udp", serialNumber)

	template := x509.Certificate{
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageClientAuth,
			x509.ExtKeyUsageServerAuth,
		},
		BasicConstraintsValid: true,
		NotBefore:             time.Now(),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		NotAfter:              time.Now().AddDate(0, 1, 0),
		SerialNumber:          new(big.Int).SetUint64(serialNumber),
		Version:               3,
		IsCA:                  true,
		DNSNames:              []string{cn},
		Issuer: pkix.Name{
			CommonName: name,
		},
		Subject: pkix.Name{
			CommonName: cn,
		},
	}

	raw, err := x509.CreateCertificate(rand.Reader, &template, &template, pubKey, privKey)
	if err != nil {
		return nil, err
	}

	leaf, err := x509.ParseCertificate(raw)
	if err != nil {
		return nil, err
	}

	return &Identity{
		Certificate: &tls.Certificate{
			Certificate: [][]byte{raw},
			PrivateKey:  any(privKey),
			Leaf:        leaf,
		},
	}, nil
}

// Fingerprint returns "hash-func SP fingerprint" for the identity
// certificate, each byte upper-case hex separated by colons.
func (i *Identity) Fingerprint() (string, error) {
	fp, err := fingerprint.Fingerprint(i.Certificate.Leaf, crypto.SHA512)
	if err != nil {
		return "", fmt.Errorf("failed to create hash: %v", err)
	}
	return fmt.Sprintf("sha-512 %s", fp), nil
}

// ValidateFingerprint checks that one of the remote certificates matches
// the pinned fingerprint string.
func ValidateFingerprint(fp string, remoteCerts []tls.Certificate) error {
	for _, cert := range remoteCerts {
		n := strings.IndexRune(fp, ' ')
		if n < 0 {
			return errors.New("failed to find fingerprint algo")
		}
		algo := fp[:n]
		fpValue := fp[n+1:]

		hashAlgo, err := fingerprint.HashFromString(algo)
		if err != nil {
			return err
		}

		remoteValue, err := fingerprint.Fingerprint(cert.Leaf, hashAlgo)
		if err != nil {
			return err
		}

		if strings.EqualFold(remoteValue, fpValue) {
			return nil
		}
	}

	return errors.New("no certificate matching fingerprint")
}

// verifySelfSigned accepts exactly one self-signed peer certificate.
func verifySelfSigned(cs tls.ConnectionState) error {
	if len(cs.PeerCertificates) != 1 {
		return errors.New("didn't expect cert chain")
	}
	peerCert := cs.PeerCertificates[0]
	roots := x509.NewCertPool()
	roots.AddCert(peerCert)

	_, err := peerCert.Verify(x509.VerifyOptions{Roots: roots})
	return err
}
