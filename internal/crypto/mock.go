package crypto

import (
	"context"
	"fmt"
	"strings"
)

// MockEncryptor implements Encryptor for local development (no KMS required).
// Ciphertexts look like "mock:<subject>:<plaintext>".
type MockEncryptor struct{}

func NewMockEncryptor() *MockEncryptor {
	return &MockEncryptor{}
}

func (m *MockEncryptor) Encrypt(_ context.Context, subject, plaintext string) (string, error) {
	return "mock:" + subject + ":" + plaintext, nil
}

func (m *MockEncryptor) Decrypt(_ context.Context, subject, ciphertext string) (string, error) {
	prefix := "mock:" + subject + ":"
	if !strings.HasPrefix(ciphertext, prefix) {
		return "", fmt.Errorf("mock decrypt: ciphertext not bound to subject")
	}
	return strings.TrimPrefix(ciphertext, prefix), nil
}
