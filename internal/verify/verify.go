// Package verify stores short-lived phone verification codes in Redis.
// Only a bcrypt hash of each code is kept, under a key that expires on its own.
package verify

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/dukerupert/famledger/internal/apperr"
)

const (
	keyPrefix      = "verify:"
	verifiedPrefix = "verified:"
	MaxAttempts    = 5

	fieldHash     = "hash"
	fieldAttempts = "attempts"
)

type Store struct {
	rdb     redis.Cmdable
	ttl     time.Duration
	newCode func() (string, error)
}

func NewStore(rdb redis.Cmdable, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl, newCode: generateCode}
}

// generateCode returns a 6-digit numeric code (100000–999999).
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return strconv.FormatInt(n.Int64()+100000, 10), nil
}

func key(phone string) string {
	return keyPrefix + phone
}

// NormalizePhone strips whitespace from phone and rejects an empty number.
func NormalizePhone(phone string) (string, error) {
	phone = strings.Join(strings.Fields(phone), "")
	if phone == "" {
		return "", apperr.InvalidRequest("verify", "phone number is required")
	}
	return phone, nil
}

// Issue creates a new code for phone, replacing any pending one, and returns
// it in plain text for delivery.
func (s *Store) Issue(ctx context.Context, phone string) (string, error) {
	phone, err := NormalizePhone(phone)
	if err != nil {
		return "", err
	}
	code, err := s.newCode()
	if err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash code: %w", err)
	}

	k := key(phone)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, k)
		pipe.HSet(ctx, k, fieldHash, string(hash), fieldAttempts, 0)
		pipe.Expire(ctx, k, s.ttl)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("store code: %w", err)
	}
	return code, nil
}

// Check consumes the pending code for phone when code matches. A wrong code
// counts as an attempt; after MaxAttempts the pending code is discarded.
func (s *Store) Check(ctx context.Context, phone, code string) error {
	phone, err := NormalizePhone(phone)
	if err != nil {
		return err
	}
	k := key(phone)

	hash, err := s.rdb.HGet(ctx, k, fieldHash).Result()
	if errors.Is(err, redis.Nil) {
		return apperr.InvalidRequest("verify code", "no pending code or code has expired")
	}
	if err != nil {
		return fmt.Errorf("load code: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(strings.TrimSpace(code))) == nil {
		if err := s.rdb.Del(ctx, k).Err(); err != nil {
			return fmt.Errorf("consume code: %w", err)
		}
		return nil
	}

	attempts, err := s.rdb.HIncrBy(ctx, k, fieldAttempts, 1).Result()
	if err != nil {
		return fmt.Errorf("count attempt: %w", err)
	}
	if attempts >= MaxAttempts {
		if err := s.rdb.Del(ctx, k).Err(); err != nil {
			return fmt.Errorf("discard code: %w", err)
		}
		return apperr.InvalidRequest("verify code", "too many attempts, request a new code")
	}
	return apperr.InvalidRequest("verify code", "incorrect code")
}

// MarkVerified records that phone passed a check and has no member yet. The
// mark lasts as long as a code would and is spent by ConsumeVerified.
func (s *Store) MarkVerified(ctx context.Context, phone string) error {
	phone, err := NormalizePhone(phone)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, verifiedPrefix+phone, 1, s.ttl).Err(); err != nil {
		return fmt.Errorf("mark phone verified: %w", err)
	}
	return nil
}

// ConsumeVerified spends the verified mark for phone. It fails when the phone
// was never verified, the mark expired, or it was already used.
func (s *Store) ConsumeVerified(ctx context.Context, phone string) error {
	phone, err := NormalizePhone(phone)
	if err != nil {
		return err
	}
	n, err := s.rdb.Del(ctx, verifiedPrefix+phone).Result()
	if err != nil {
		return fmt.Errorf("consume verified phone: %w", err)
	}
	if n == 0 {
		return apperr.InvalidRequest("register member", "phone number is not verified")
	}
	return nil
}
