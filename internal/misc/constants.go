package misc

const (
	// VaultFormatVersion is the on-disk vault file header format version
	VaultFormatVersion = 1

	// KDFIterations is the PBKDF2-HMAC-SHA256 work factor for master key derivation
	KDFIterations = 480000

	SaltSize    = 16
	IVSize      = 12
	KeySize     = 32
	MaxVersions = 5

	// MasterKeyAlgorithm identifies the AEAD used for key wrapping and file content
	MasterKeyAlgorithm = "AES-256-GCM"

	// VerificationPlaintext is the fixed value sealed into verification tokens
	VerificationPlaintext = "vault_verification_v1"

	FilePermissions = 0600 // user read + write
	DirPermissions  = 0700
)
