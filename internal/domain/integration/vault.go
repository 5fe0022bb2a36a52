package integration

// CredentialVault encrypts token strings before they reach storage.
// Decrypt returns an error wrapping ErrDecryption when the ciphertext is
// malformed or was sealed under another key; callers treat that as
// "credentials invalid", never as a transient condition.
type CredentialVault interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}
