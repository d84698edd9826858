package timestamp

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/digitorus/pkcs7"
	"github.com/digitorus/timestamp"
	"github.com/jonboulle/clockwork"
)

const (
	requestContentType  = "application/timestamp-query"
	responseContentType = "application/timestamp-reply"

	maxMessageSize = 1 << 20
)

// DefaultPolicy is the ETSI baseline time-stamp policy identifier used by
// LocalTimestamper when none is configured.
var DefaultPolicy = asn1.ObjectIdentifier{0, 4, 0, 2023, 1, 1}

// Timestamper obtains a time-stamp token over data.
type Timestamper interface {
	Timestamp(ctx context.Context, data []byte) ([]byte, error)
}

// HTTPTimestamper requests tokens from an RFC 3161 time-stamping service.
type HTTPTimestamper struct {
	URL    string
	Client *http.Client
	// Hash is the imprint algorithm, SHA-256 when zero.
	Hash crypto.Hash
}

func (t *HTTPTimestamper) Timestamp(ctx context.Context, data []byte) ([]byte, error) {
	h := t.Hash
	if h == 0 {
		h = crypto.SHA256
	}
	query, err := timestamp.CreateRequest(bytes.NewReader(data), &timestamp.RequestOptions{
		Hash:         h,
		Certificates: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create time-stamp request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(query))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", requestContentType)

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("time-stamping service %s: unexpected status %s", t.URL, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMessageSize))
	if err != nil {
		return nil, err
	}
	ts, err := timestamp.ParseResponse(body)
	if err != nil {
		return nil, fmt.Errorf("time-stamping service %s: %w", t.URL, err)
	}
	return ts.RawToken, nil
}

// LocalTimestamper is an in-process time-stamping authority. It serves
// Timestamp calls directly and RFC 3161 requests over HTTP.
type LocalTimestamper struct {
	Certificate *x509.Certificate
	Signer      crypto.Signer
	Clock       clockwork.Clock
	Policy      asn1.ObjectIdentifier
	// Hash is the imprint algorithm for direct calls, SHA-256 when zero.
	Hash crypto.Hash
}

// NewLocalTimestamper creates a TSA signing with cert and key.
func NewLocalTimestamper(cert *x509.Certificate, key crypto.Signer) *LocalTimestamper {
	return &LocalTimestamper{
		Certificate: cert,
		Signer:      key,
		Clock:       clockwork.NewRealClock(),
		Policy:      DefaultPolicy,
		Hash:        crypto.SHA256,
	}
}

func (t *LocalTimestamper) Timestamp(ctx context.Context, data []byte) ([]byte, error) {
	h := t.Hash
	if h == 0 {
		h = crypto.SHA256
	}
	d := h.New()
	d.Write(data)

	resp, err := t.respond(h, d.Sum(nil), nil)
	if err != nil {
		return nil, err
	}
	ts, err := timestamp.ParseResponse(resp)
	if err != nil {
		return nil, err
	}
	return ts.RawToken, nil
}

func (t *LocalTimestamper) respond(h crypto.Hash, digest []byte, nonce *big.Int) ([]byte, error) {
	if t.Certificate == nil || t.Signer == nil {
		return nil, errors.New("time-stamping authority has no signing credential")
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, err
	}
	policy := t.Policy
	if len(policy) == 0 {
		policy = DefaultPolicy
	}
	clock := t.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	genTime := clock.Now().UTC()

	if h == crypto.SHA1 {
		// ESSCertIDv2 may not use SHA-1, so these tokens name their signer
		// with a version 1 SigningCertificate attribute.
		token, err := t.essCertIDToken(digest, nonce, serial, policy, genTime)
		if err != nil {
			return nil, err
		}
		return asn1.Marshal(grantedResponse{TimeStampToken: asn1.RawValue{FullBytes: token}})
	}

	ts := &timestamp.Timestamp{
		HashAlgorithm:     h,
		HashedMessage:     digest,
		Time:              genTime,
		SerialNumber:      serial,
		Policy:            policy,
		Nonce:             nonce,
		AddTSACertificate: true,
	}
	return ts.CreateResponseWithOpts(t.Certificate, t.Signer, crypto.SHA256)
}

var (
	oidTSTInfo            = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 4}
	oidSigningCertificate = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 12}
)

type grantedResponse struct {
	Status         struct{ Status int }
	TimeStampToken asn1.RawValue
}

type messageImprint struct {
	HashAlgorithm pkix.AlgorithmIdentifier
	HashedMessage []byte
}

type tstInfo struct {
	Version        int
	Policy         asn1.ObjectIdentifier
	MessageImprint messageImprint
	SerialNumber   *big.Int
	GenTime        time.Time `asn1:"generalized"`
	Nonce          *big.Int  `asn1:"optional"`
}

type essCertID struct {
	CertHash []byte
}

type signingCertificate struct {
	Certs []essCertID
}

func (t *LocalTimestamper) essCertIDToken(digest []byte, nonce, serial *big.Int, policy asn1.ObjectIdentifier, genTime time.Time) ([]byte, error) {
	info, err := asn1.Marshal(tstInfo{
		Version: 1,
		Policy:  policy,
		MessageImprint: messageImprint{
			HashAlgorithm: pkix.AlgorithmIdentifier{Algorithm: pkcs7.OIDDigestAlgorithmSHA1, Parameters: asn1.NullRawValue},
			HashedMessage: digest,
		},
		SerialNumber: serial,
		GenTime:      genTime,
		Nonce:        nonce,
	})
	if err != nil {
		return nil, err
	}

	sd, err := pkcs7.NewSignedData(info)
	if err != nil {
		return nil, err
	}
	sd.SetContentType(oidTSTInfo)
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	sd.GetSignedData().Version = 3

	certHash := sha1.Sum(t.Certificate.Raw)
	err = sd.AddSigner(t.Certificate, t.Signer, pkcs7.SignerInfoConfig{
		ExtraSignedAttributes: []pkcs7.Attribute{{
			Type:  oidSigningCertificate,
			Value: signingCertificate{Certs: []essCertID{{CertHash: certHash[:]}}},
		}},
	})
	if err != nil {
		return nil, err
	}
	return sd.Finish()
}

// ServeHTTP answers RFC 3161 time-stamp queries.
func (t *LocalTimestamper) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.Header.Get("Content-Type") != requestContentType {
		http.Error(w, "unsupported content type", http.StatusUnsupportedMediaType)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req, err := timestamp.ParseRequest(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := t.respond(req.HashAlgorithm, req.HashedMessage, req.Nonce)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", responseContentType)
	_, _ = w.Write(resp)
}
