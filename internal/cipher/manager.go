package cipher

// Manager applies the per-pair shared-secret strategy uniformly on the send
// and read paths. It holds no state; it exists so the message service receives
// its cipher as an explicit dependency.
type Manager struct{}

// NewManager returns a Manager.
func NewManager() *Manager {
	return &Manager{}
}

// SealFor encrypts plaintext for the conversation between the owners of a and b.
func (m *Manager) SealFor(a, b KeyPair, plaintext string) (string, error) {
	secret, err := m.pairSecret(a, b)
	if err != nil {
		return "", err
	}
	return Encrypt(plaintext, secret)
}

// OpenFor decrypts a ciphertext stored in the conversation between the owners
// of a and b. The argument order does not matter.
func (m *Manager) OpenFor(a, b KeyPair, ciphertext string) (string, error) {
	secret, err := m.pairSecret(a, b)
	if err != nil {
		return "", err
	}
	return Decrypt(ciphertext, secret)
}

func (m *Manager) pairSecret(a, b KeyPair) (string, error) {
	if !a.Complete() || !b.Complete() {
		return "", ErrMissingKey
	}
	return DeriveSharedSecret(a.PrivateKey, b.PrivateKey)
}
