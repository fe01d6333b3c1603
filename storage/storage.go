// Package storage persists the recorded session: cookies and the two payload templates.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"clubwise-courts/payload"
	"clubwise-courts/pkg/courts"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
)

// ErrNotCached means no complete session has been recorded yet.
var ErrNotCached = errors.New("session artifacts not cached")

// Object names. Artifacts live under sessions/<generation>/ and current.json
// names the generation in use; it is written last so a set is only ever
// replaced as a unit.
const (
	manifestKey      = "current.json"
	generationPrefix = "sessions/"
	StateFile        = "state.json"
	DatePayloadFile  = "date_payload.json"
	ShowPayloadFile  = "show_payload.json"
)

var errObjectNotExist = errors.New("storage: object doesn't exist")

type manifest struct {
	Generation string    `json:"generation"`
	CapturedAt time.Time `json:"captured_at"`
	SavedAt    time.Time `json:"saved_at"`
}

// Store handles session artifact persistence.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
}

// New creates a new storage handler. A non-empty localPath selects the
// local filesystem; otherwise objects go to bucket.
func New(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// Load loads the current session. It returns ErrNotCached if the manifest or
// any of the three artifacts is missing or cannot be decoded.
func (s *Store) Load(ctx context.Context) (*courts.Artifacts, error) {
	data, err := s.read(ctx, manifestKey)
	if err != nil {
		if IsNotFound(err) {
			return nil, ErrNotCached
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, s.unusable(manifestKey, err)
	}
	prefix, err := generationKey(m.Generation)
	if err != nil {
		return nil, s.unusable(manifestKey, err)
	}

	objects := make(map[string][]byte, 3)
	for _, name := range []string{StateFile, DatePayloadFile, ShowPayloadFile} {
		data, err := s.read(ctx, prefix+name)
		if err != nil {
			if IsNotFound(err) {
				s.logger.Warn("Session artifact missing", "generation", m.Generation, "object", name)
				return nil, ErrNotCached
			}
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		objects[name] = data
	}

	var auth courts.AuthState
	if err := json.Unmarshal(objects[StateFile], &auth); err != nil {
		return nil, s.unusable(StateFile, err)
	}
	dateChange, err := decodeTemplate(objects[DatePayloadFile], payload.ActionChangeDate)
	if err != nil {
		return nil, s.unusable(DatePayloadFile, err)
	}
	show, err := decodeTemplate(objects[ShowPayloadFile], payload.ActionShow)
	if err != nil {
		return nil, s.unusable(ShowPayloadFile, err)
	}

	s.logger.Debug("Session loaded",
		"generation", m.Generation,
		"captured_at", m.CapturedAt.Format(time.RFC3339),
		"cookie_count", len(auth.Cookies))

	return &courts.Artifacts{
		CapturedAt: m.CapturedAt,
		Auth:       &auth,
		DateChange: dateChange,
		Show:       show,
	}, nil
}

// unusable reports a stored object that cannot be decoded as ErrNotCached,
// so the next query records a fresh session over it.
func (s *Store) unusable(name string, err error) error {
	s.logger.Warn("Stored session unusable", "object", name, "error", err)
	return fmt.Errorf("%w: %s: %w", ErrNotCached, name, err)
}

func decodeTemplate(data []byte, action string) (*payload.Template, error) {
	t, err := payload.Decode(data)
	if err != nil {
		return nil, err
	}
	if err := t.Validate(action); err != nil {
		return nil, err
	}
	return t, nil
}

// Save replaces the current session with a. The three artifacts are written
// to a fresh generation first; the switch-over is the manifest write, so a
// failure part way leaves the previous session in place.
func (s *Store) Save(ctx context.Context, a *courts.Artifacts) error {
	if !a.Complete() {
		return errors.New("incomplete artifacts")
	}

	state, err := json.MarshalIndent(a.Auth, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal auth state: %w", err)
	}
	datePayload, err := a.DateChange.Encode()
	if err != nil {
		return fmt.Errorf("encode date payload: %w", err)
	}
	showPayload, err := a.Show.Encode()
	if err != nil {
		return fmt.Errorf("encode show payload: %w", err)
	}

	m := manifest{
		Generation: uuid.NewString(),
		CapturedAt: a.CapturedAt,
		SavedAt:    time.Now().UTC(),
	}
	prefix, err := generationKey(m.Generation)
	if err != nil {
		return err
	}

	for name, data := range map[string][]byte{
		StateFile:       state,
		DatePayloadFile: datePayload,
		ShowPayloadFile: showPayload,
	} {
		if err := s.write(ctx, prefix+name, data); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := s.write(ctx, manifestKey, data); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	s.logger.Info("Session saved",
		"generation", m.Generation,
		"captured_at", m.CapturedAt.Format(time.RFC3339),
		"cookie_count", len(a.Auth.Cookies))

	if err := s.prune(ctx, m.Generation); err != nil {
		s.logger.Warn("Failed to prune old sessions", "error", err)
	}
	return nil
}

// generationKey validates a generation ID and returns its object prefix.
// Only UUIDs are accepted so a tampered manifest cannot escape the store.
func generationKey(generation string) (string, error) {
	if _, err := uuid.Parse(generation); err != nil {
		return "", fmt.Errorf("invalid generation %q", generation)
	}
	return generationPrefix + generation + "/", nil
}

func (s *Store) read(ctx context.Context, key string) ([]byte, error) {
	// Local filesystem storage
	if s.localPath != "" {
		data, err := os.ReadFile(s.localFile(key))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errObjectNotExist
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
		return data, nil
	}

	// Cloud Storage with retry logic for reliability
	var data []byte
	err := retry.Do(
		func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
			if openErr != nil {
				// Don't retry on "not found" errors
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					return retry.Unrecoverable(fmt.Errorf("open storage reader: %w", openErr))
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying load operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	return data, nil
}

func (s *Store) write(ctx context.Context, key string, data []byte) error {
	// Local filesystem storage: write a temp file and rename it into place.
	if s.localPath != "" {
		filePath := s.localFile(key)
		if err := os.MkdirAll(filepath.Dir(filePath), 0o700); err != nil {
			return fmt.Errorf("create local directory: %w", err)
		}
		tmp, err := os.CreateTemp(filepath.Dir(filePath), ".tmp-"+filepath.Base(filePath)+"-*")
		if err != nil {
			return fmt.Errorf("create temp file: %w", err)
		}
		defer func() {
			if removeErr := os.Remove(tmp.Name()); removeErr != nil && !os.IsNotExist(removeErr) {
				s.logger.Warn("Failed to remove temp file", "path", tmp.Name(), "error", removeErr)
			}
		}()
		if _, err := tmp.Write(data); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("write to local storage: %w", err)
		}
		if err := tmp.Close(); err != nil {
			return fmt.Errorf("close temp file: %w", err)
		}
		if err := os.Chmod(tmp.Name(), 0o600); err != nil {
			return fmt.Errorf("chmod temp file: %w", err)
		}
		if err := os.Rename(tmp.Name(), filePath); err != nil {
			return fmt.Errorf("rename into place: %w", err)
		}
		s.logger.Debug("Object saved to local storage", "path", filePath, "bytes", len(data))
		return nil
	}

	// Cloud Storage with retry logic for reliability
	err := retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying save operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}
	return nil
}

// prune deletes every generation except keep.
func (s *Store) prune(ctx context.Context, keep string) error {
	// Local filesystem storage
	if s.localPath != "" {
		dir := s.localFile(generationPrefix)
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("read local sessions directory: %w", err)
		}
		for _, entry := range entries {
			if !entry.IsDir() || entry.Name() == keep {
				continue
			}
			if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
				return fmt.Errorf("delete from local storage: %w", err)
			}
			s.logger.Debug("Pruned old session", "generation", entry.Name())
		}
		return nil
	}

	// Cloud Storage
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{
		Prefix: generationPrefix,
	})
	keepPrefix := generationPrefix + keep + "/"
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return fmt.Errorf("iterate storage: %w", err)
		}
		if strings.HasPrefix(attrs.Name, keepPrefix) {
			continue
		}

		key := attrs.Name
		err = retry.Do(
			func() error {
				if deleteErr := s.client.Bucket(s.bucket).Object(key).Delete(ctx); deleteErr != nil {
					// Deletion is idempotent
					if errors.Is(deleteErr, storage.ErrObjectNotExist) {
						return nil
					}
					return fmt.Errorf("delete from storage: %w", deleteErr)
				}
				return nil
			},
			retry.Attempts(3),
			retry.Delay(time.Second),
			retry.MaxJitter(time.Second),
			retry.Context(ctx),
		)
		if err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
		s.logger.Debug("Pruned old session object", "key", key)
	}
	return nil
}

func (s *Store) localFile(key string) string {
	return filepath.Join(s.localPath, filepath.FromSlash(path.Clean(key)))
}

// IsNotFound checks if an error indicates a missing object.
func IsNotFound(err error) bool {
	return err != nil && (errors.Is(err, errObjectNotExist) ||
		strings.Contains(err.Error(), "storage: object doesn't exist"))
}
