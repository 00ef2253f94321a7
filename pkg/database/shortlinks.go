package database

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// =========================
// Share-link storage helpers
// =========================

const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
const defaultShortCodeLength = 8

// PreviewShortLink fetches an existing mapping for a viewport URL or
// proposes a fresh random code. It never writes; the browser reserves the
// code and confirms it through PersistShortLink once the user actually
// copies the link.
func (db *Database) PreviewShortLink(ctx context.Context, target string, length int) (code string, stored bool, err error) {
	if db == nil || db.DB == nil {
		return "", false, errors.New("database not initialized")
	}
	cleaned := strings.TrimSpace(target)
	if cleaned == "" {
		return "", false, errors.New("empty target")
	}
	if len(cleaned) > 4096 {
		return "", false, errors.New("target too long")
	}

	if existing, err := db.lookupShortLinkByTarget(ctx, cleaned); err != nil {
		return "", false, err
	} else if existing != "" {
		return existing, true, nil
	}

	code, err = db.randomUnusedCode(ctx, length)
	if err != nil {
		return "", false, err
	}
	return code, false, nil
}

// PersistShortLink inserts the mapping if it does not exist yet. An
// optional pre-selected code from PreviewShortLink is honored when still
// free; collisions fall back to fresh random codes.
func (db *Database) PersistShortLink(ctx context.Context, target, code string, now time.Time, length int) (string, error) {
	if db == nil || db.DB == nil {
		return "", errors.New("database not initialized")
	}
	cleanedTarget := strings.TrimSpace(target)
	if cleanedTarget == "" {
		return "", errors.New("empty target")
	}
	if len(cleanedTarget) > 4096 {
		return "", errors.New("target too long")
	}

	if existing, err := db.lookupShortLinkByTarget(ctx, cleanedTarget); err != nil {
		return "", err
	} else if existing != "" {
		return existing, nil
	}

	trimmedCode := strings.TrimSpace(code)
	if trimmedCode != "" && !isBase62(trimmedCode) {
		return "", errors.New("invalid code")
	}

	const maxAttempts = 64
	for attempt := 0; attempt < maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		candidate := trimmedCode
		if candidate == "" {
			generated, err := db.randomUnusedCode(ctx, length)
			if err != nil {
				return "", err
			}
			candidate = generated
		} else {
			exists, err := db.shortCodeExists(ctx, candidate)
			if err != nil {
				return "", err
			}
			if exists {
				trimmedCode = ""
				continue
			}
		}

		if err := db.insertShortLink(ctx, candidate, cleanedTarget, now); err != nil {
			if isUniqueConstraintError(err) {
				trimmedCode = ""
				continue
			}
			return "", err
		}
		return candidate, nil
	}
	return "", fmt.Errorf("persist short link: exhausted %d attempts", maxAttempts)
}

// ResolveShortLink expands a short code into the stored viewport URL.
// An unknown code resolves to the empty string, not an error.
func (db *Database) ResolveShortLink(ctx context.Context, code string) (string, error) {
	if db == nil || db.DB == nil {
		return "", errors.New("database not initialized")
	}
	trimmed := strings.TrimSpace(code)
	if trimmed == "" {
		return "", nil
	}

	query := fmt.Sprintf("SELECT target FROM short_links WHERE code = %s LIMIT 1", db.placeholder(1))
	var target string
	err := db.DB.QueryRowContext(ctx, query, trimmed).Scan(&target)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return target, nil
}

// lookupShortLinkByTarget checks whether a mapping already exists.
func (db *Database) lookupShortLinkByTarget(ctx context.Context, target string) (string, error) {
	query := fmt.Sprintf("SELECT code FROM short_links WHERE target = %s ORDER BY id LIMIT 1", db.placeholder(1))
	var code string
	err := db.DB.QueryRowContext(ctx, query, target).Scan(&code)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return code, nil
}

// shortCodeExists reports whether a code is already in use. A single
// SELECT with LIMIT keeps the probe index-friendly.
func (db *Database) shortCodeExists(ctx context.Context, code string) (bool, error) {
	trimmed := strings.TrimSpace(code)
	if trimmed == "" {
		return false, nil
	}

	query := fmt.Sprintf("SELECT 1 FROM short_links WHERE code = %s LIMIT 1", db.placeholder(1))
	var dummy int
	err := db.DB.QueryRowContext(ctx, query, trimmed).Scan(&dummy)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// randomUnusedCode draws random candidates until one is free. Rejection
// sampling keeps the loop simple while staying uniform over the alphabet.
func (db *Database) randomUnusedCode(ctx context.Context, length int) (string, error) {
	if length <= 0 {
		length = defaultShortCodeLength
	}
	const maxAttempts = 64
	for attempt := 0; attempt < maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
		candidate, err := randomBase62String(length)
		if err != nil {
			return "", err
		}
		exists, err := db.shortCodeExists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("random code generation exhausted %d attempts", maxAttempts)
}

// randomBase62String draws secure random bytes and maps them to the
// base62 alphabet. crypto/rand keeps share codes unpredictable.
func randomBase62String(length int) (string, error) {
	if length <= 0 {
		length = defaultShortCodeLength
	}
	buf := make([]byte, length)
	for i := 0; i < length; i++ {
		var b [1]byte
		for {
			if _, err := rand.Read(b[:]); err != nil {
				return "", err
			}
			v := int(b[0])
			if v < 62*4 { // 248 keeps the rejection rate low while staying uniform.
				buf[i] = base62Alphabet[v%62]
				break
			}
		}
	}
	return string(buf), nil
}

// isBase62 validates that a code only uses characters from our alphabet.
func isBase62(code string) bool {
	if code == "" {
		return false
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		default:
			return false
		}
	}
	return true
}

// insertShortLink writes the code → target mapping.
func (db *Database) insertShortLink(ctx context.Context, code, target string, now time.Time) error {
	query := fmt.Sprintf("INSERT INTO short_links (code,target,created_at) VALUES (%s,%s,%s)",
		db.placeholder(1), db.placeholder(2), db.placeholder(3))
	_, err := db.DB.ExecContext(ctx, query, code, target, now.Unix())
	return err
}
