package container

import "github.com/cvfsdev/cvfs/cipher"

// Option configures container creation (§3, §6).
type Option func(*config)

type config struct {
	cipherID     cipher.ID
	sparse       bool
	scryptRounds byte
	contentSize  int
	progress     func(stage string, done, total int)
	hiddenRoot   *uint64
}

func defaultConfig() *config {
	return &config{
		cipherID:    cipher.AES,
		contentSize: 10,
	}
}

// WithCipher selects the stream cipher identifier (§4.1). Default AES.
func WithCipher(id cipher.ID) Option {
	return func(c *config) { c.cipherID = id }
}

// WithSparse enables sparse-image mode: block slots are only physically
// materialized on first write (§4.4, §9).
func WithSparse(sparse bool) Option {
	return func(c *config) { c.sparse = sparse }
}

// WithScryptRounds sets the legacy scrypt-rounds header byte (§6 — stored
// but unused by the modern cipher set).
func WithScryptRounds(rounds byte) Option {
	return func(c *config) { c.scryptRounds = rounds }
}

// WithContentSize overrides CONTENT_SIZE, the per-bucket live-entry cap
// (§3). Default 10.
func WithContentSize(n int) Option {
	return func(c *config) { c.contentSize = n }
}

// WithProgress registers a callback fired before and after key derivation
// in Create (§4.1, §5). Open derives its key without reporting progress.
func WithProgress(fn func(stage string, done, total int)) Option {
	return func(c *config) { c.progress = fn }
}

// WithHiddenRoot reserves a second root-folder start block at index root,
// enabling the dual-volume ("coffee") feature (§12 of SPEC_FULL.md).
func WithHiddenRoot(root uint64) Option {
	return func(c *config) { c.hiddenRoot = &root }
}
