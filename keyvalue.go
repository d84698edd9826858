package xmldsig

import (
	"crypto"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"math/big"

	"github.com/beevik/etree"

	"github.com/lafriks/go-xmldsig/v3/dsigerr"
)

type namedCurve struct {
	uri   string
	curve elliptic.Curve
	ecdh  ecdh.Curve
}

var namedCurves = []namedCurve{
	{"urn:oid:1.2.840.10045.3.1.7", elliptic.P256(), ecdh.P256()},
	{"urn:oid:1.3.132.0.34", elliptic.P384(), ecdh.P384()},
	{"urn:oid:1.3.132.0.35", elliptic.P521(), ecdh.P521()},
}

// PublicKey decodes the RSA or EC key carried by the KeyValue.
func (k *KeyValue) PublicKey() (crypto.PublicKey, error) {
	switch {
	case k == nil:
		return nil, dsigerr.New(dsigerr.MalformedDocument, "no KeyValue")
	case k.RSAKeyValue != nil:
		return k.RSAKeyValue.publicKey()
	case k.ECKeyValue != nil:
		return k.ECKeyValue.publicKey()
	}
	return nil, dsigerr.New(dsigerr.UnsupportedAlgorithm, "KeyValue holds neither an RSA nor an EC key")
}

func (k *RSAKeyValue) publicKey() (crypto.PublicKey, error) {
	n, err := decodeBase64(k.Modulus)
	if err != nil || len(n) == 0 {
		return nil, dsigerr.New(dsigerr.MalformedDocument, "invalid RSA Modulus")
	}
	e, err := decodeBase64(k.Exponent)
	if err != nil || len(e) == 0 || len(e) > 4 {
		return nil, dsigerr.New(dsigerr.MalformedDocument, "invalid RSA Exponent")
	}
	exp := new(big.Int).SetBytes(e)
	if exp.Int64() < 3 || exp.Bit(0) == 0 {
		return nil, dsigerr.New(dsigerr.MalformedDocument, "invalid RSA Exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exp.Int64())}, nil
}

func (k *ECKeyValue) publicKey() (crypto.PublicKey, error) {
	if k.NamedCurve == nil {
		return nil, dsigerr.New(dsigerr.UnsupportedAlgorithm, "ECKeyValue without a NamedCurve")
	}
	var nc *namedCurve
	for i := range namedCurves {
		if namedCurves[i].uri == k.NamedCurve.URI {
			nc = &namedCurves[i]
		}
	}
	if nc == nil {
		return nil, dsigerr.New(dsigerr.UnsupportedAlgorithm, "unsupported named curve %q", k.NamedCurve.URI)
	}

	point, err := decodeBase64(k.PublicKey)
	if err != nil {
		return nil, dsigerr.Wrap(dsigerr.MalformedDocument, err, "decode EC PublicKey")
	}
	// ecdh rejects points that are not on the curve or not uncompressed.
	if _, err := nc.ecdh.NewPublicKey(point); err != nil {
		return nil, dsigerr.Wrap(dsigerr.MalformedDocument, err, "invalid EC PublicKey")
	}
	size := (len(point) - 1) / 2
	return &ecdsa.PublicKey{
		Curve: nc.curve,
		X:     new(big.Int).SetBytes(point[1 : 1+size]),
		Y:     new(big.Int).SetBytes(point[1+size:]),
	}, nil
}

// NewKeyValueElement builds a KeyValue element for pub with the given
// namespace prefix, for use in a custom SigningContext.KeyInfo.
func NewKeyValueElement(prefix string, pub crypto.PublicKey) (*etree.Element, error) {
	kv := &etree.Element{Space: prefix, Tag: KeyValueTag}
	b64 := base64.StdEncoding.EncodeToString

	switch key := pub.(type) {
	case *rsa.PublicKey:
		rsaEl := kv.CreateElement(RSAKeyValueTag)
		rsaEl.Space = prefix
		modulus := rsaEl.CreateElement(ModulusTag)
		modulus.Space = prefix
		modulus.SetText(b64(key.N.Bytes()))
		exponent := rsaEl.CreateElement(ExponentTag)
		exponent.Space = prefix
		exponent.SetText(b64(big.NewInt(int64(key.E)).Bytes()))
	case *ecdsa.PublicKey:
		var uri string
		for _, nc := range namedCurves {
			if nc.curve == key.Curve {
				uri = nc.uri
			}
		}
		if uri == "" {
			return nil, dsigerr.New(dsigerr.UnsupportedAlgorithm, "unsupported curve %s", key.Curve.Params().Name)
		}
		ecdhKey, err := key.ECDH()
		if err != nil {
			return nil, dsigerr.Wrap(dsigerr.CredentialInvalid, err, "encode EC key")
		}
		ecEl := kv.CreateElement("dsig11:" + ECKeyValueTag)
		ecEl.CreateAttr("xmlns:dsig11", Namespace11)
		ecEl.CreateElement("dsig11:"+NamedCurveTag).CreateAttr(URIAttr, uri)
		ecEl.CreateElement("dsig11:" + PublicKeyTag).SetText(b64(ecdhKey.Bytes()))
	default:
		return nil, dsigerr.New(dsigerr.UnsupportedAlgorithm, "no KeyValue encoding for %T", pub)
	}
	return kv, nil
}
