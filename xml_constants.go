package xmldsig

// Namespace is the XML-DSig namespace.
const Namespace = "http://www.w3.org/2000/09/xmldsig#"

// Namespace11 is the XML-DSig 1.1 namespace of ECKeyValue.
const Namespace11 = "http://www.w3.org/2009/xmldsig11#"

// XML-DSig element and attribute names.
const (
	SignatureTag              = "Signature"
	SignedInfoTag             = "SignedInfo"
	CanonicalizationMethodTag = "CanonicalizationMethod"
	SignatureMethodTag        = "SignatureMethod"
	ReferenceTag              = "Reference"
	TransformsTag             = "Transforms"
	TransformTag              = "Transform"
	DigestMethodTag           = "DigestMethod"
	DigestValueTag            = "DigestValue"
	SignatureValueTag         = "SignatureValue"
	KeyInfoTag                = "KeyInfo"
	X509DataTag               = "X509Data"
	X509CertificateTag        = "X509Certificate"
	X509IssuerSerialTag       = "X509IssuerSerial"
	X509IssuerNameTag         = "X509IssuerName"
	X509SerialNumberTag       = "X509SerialNumber"
	KeyValueTag               = "KeyValue"
	RSAKeyValueTag            = "RSAKeyValue"
	ModulusTag                = "Modulus"
	ExponentTag               = "Exponent"
	ECKeyValueTag             = "ECKeyValue"
	NamedCurveTag             = "NamedCurve"
	PublicKeyTag              = "PublicKey"
	ObjectTag                 = "Object"
	InclusiveNamespacesTag    = "InclusiveNamespaces"

	AlgorithmAttr  = "Algorithm"
	URIAttr        = "URI"
	TypeAttr       = "Type"
	IdAttr         = "Id"
	PrefixListAttr = "PrefixList"
)

// DefaultPrefix is the namespace prefix used for created signatures.
const DefaultPrefix = "ds"

// DefaultIdAttr is the attribute written on signed targets and looked up
// first when resolving "#id" references.
const DefaultIdAttr = "Id"

// DefaultIdAttributes are the attribute names tried when resolving "#id"
// references.
var DefaultIdAttributes = []string{"Id", "ID", "id"}

// AlgorithmID identifies a canonicalization or transform algorithm.
type AlgorithmID string

func (id AlgorithmID) String() string {
	return string(id)
}

const (
	CanonicalXML10ExclusiveAlgorithmId             AlgorithmID = "http://www.w3.org/2001/10/xml-exc-c14n#"
	CanonicalXML10ExclusiveWithCommentsAlgorithmId AlgorithmID = "http://www.w3.org/2001/10/xml-exc-c14n#WithComments"
	CanonicalXML11AlgorithmId                      AlgorithmID = "http://www.w3.org/2006/12/xml-c14n11"
	CanonicalXML11WithCommentsAlgorithmId          AlgorithmID = "http://www.w3.org/2006/12/xml-c14n11#WithComments"
	CanonicalXML10RecAlgorithmId                   AlgorithmID = "http://www.w3.org/TR/2001/REC-xml-c14n-20010315"
	CanonicalXML10WithCommentsAlgorithmId          AlgorithmID = "http://www.w3.org/TR/2001/REC-xml-c14n-20010315#WithComments"

	EnvelopedSignatureAlgorithmId AlgorithmID = "http://www.w3.org/2000/09/xmldsig#enveloped-signature"
)

// ExclusiveC14NNamespace is the namespace of the InclusiveNamespaces
// transform parameter.
const ExclusiveC14NNamespace = "http://www.w3.org/2001/10/xml-exc-c14n#"

// Digest method identifiers.
const (
	SHA1DigestMethod    = "http://www.w3.org/2000/09/xmldsig#sha1"
	SHA224DigestMethod  = "http://www.w3.org/2001/04/xmldsig-more#sha224"
	SHA256DigestMethod  = "http://www.w3.org/2001/04/xmlenc#sha256"
	SHA384DigestMethod  = "http://www.w3.org/2001/04/xmldsig-more#sha384"
	SHA512DigestMethod  = "http://www.w3.org/2001/04/xmlenc#sha512"
	SHA3256DigestMethod = "http://www.w3.org/2007/05/xmldsig-more#sha3-256"
	SHA3384DigestMethod = "http://www.w3.org/2007/05/xmldsig-more#sha3-384"
	SHA3512DigestMethod = "http://www.w3.org/2007/05/xmldsig-more#sha3-512"
)

// Signature method identifiers.
const (
	RSASHA1SignatureMethod   = "http://www.w3.org/2000/09/xmldsig#rsa-sha1"
	RSASHA256SignatureMethod = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	RSASHA384SignatureMethod = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha384"
	RSASHA512SignatureMethod = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha512"

	RSAPSSSHA256SignatureMethod = "http://www.w3.org/2007/05/xmldsig-more#sha256-rsa-MGF1"
	RSAPSSSHA384SignatureMethod = "http://www.w3.org/2007/05/xmldsig-more#sha384-rsa-MGF1"
	RSAPSSSHA512SignatureMethod = "http://www.w3.org/2007/05/xmldsig-more#sha512-rsa-MGF1"

	ECDSASHA256SignatureMethod = "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha256"
	ECDSASHA384SignatureMethod = "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha384"
	ECDSASHA512SignatureMethod = "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha512"

	Ed25519SignatureMethod = "http://www.w3.org/2021/04/xmldsig-more#eddsa-ed25519"
)
