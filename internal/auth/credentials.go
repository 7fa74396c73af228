package auth

const (
	DefaultAccessKeyID     = "pseudoS3AccessKey"
	DefaultSecretAccessKey = "pseudoS3SecretKey"
)

// Credential is a static access key pair.
type Credential struct {
	AccessKeyID     string
	SecretAccessKey string
}

// CredentialStore resolves access key ids to their secrets.
type CredentialStore interface {
	Lookup(accessKeyID string) (secret string, ok bool)
}

// StaticCredentialStore is an immutable in-memory CredentialStore.
type StaticCredentialStore struct {
	secrets map[string]string
}

// NewStaticCredentialStore builds a store from the given pairs. Later pairs
// win when an access key id is repeated.
func NewStaticCredentialStore(creds ...Credential) *StaticCredentialStore {
	secrets := make(map[string]string, len(creds))
	for _, c := range creds {
		if c.AccessKeyID == "" {
			continue
		}
		secrets[c.AccessKeyID] = c.SecretAccessKey
	}
	return &StaticCredentialStore{secrets: secrets}
}

// NewDefaultCredentialStore returns a store holding only the built-in
// development credentials.
func NewDefaultCredentialStore() *StaticCredentialStore {
	return NewStaticCredentialStore(Credential{
		AccessKeyID:     DefaultAccessKeyID,
		SecretAccessKey: DefaultSecretAccessKey,
	})
}

func (s *StaticCredentialStore) Lookup(accessKeyID string) (string, bool) {
	secret, ok := s.secrets[accessKeyID]
	return secret, ok
}
