package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/infra/storage"
)

// codeReuseWindow covers the validation skew on both sides of a period.
const codeReuseWindow = 90 * time.Second

var totpOpts = totp.ValidateOpts{
	Period:    30,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// CodeLedger burns one-time codes so each is accepted once.
type CodeLedger interface {
	UseCode(ctx context.Context, adminID, code string, ttl time.Duration) (bool, error)
}

// TOTPVerifier checks authenticator codes against the admin's enrolled secret.
// Step-up and emergency override share its ledger, so a code confirmed for one
// is refused for the other and the admin must wait for the next period.
type TOTPVerifier struct {
	admins storage.AdminRepository
	codes  CodeLedger
	now    func() time.Time
}

func NewTOTPVerifier(admins storage.AdminRepository, codes CodeLedger, now func() time.Time) *TOTPVerifier {
	if now == nil {
		now = time.Now
	}
	return &TOTPVerifier{admins: admins, codes: codes, now: now}
}

// Verify accepts a current, unused code.
func (v *TOTPVerifier) Verify(ctx context.Context, adminID, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return fmt.Errorf("%w: mfa code required", domain.ErrPermissionDenied)
	}
	admin, err := v.admins.Get(ctx, adminID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%w: unknown admin %s", domain.ErrPermissionDenied, adminID)
		}
		return fmt.Errorf("failed to load admin: %w", err)
	}
	if admin.TOTPSecret == "" {
		return fmt.Errorf("%w: admin %s has no mfa enrolled", domain.ErrPermissionDenied, adminID)
	}

	ok, err := totp.ValidateCustom(code, admin.TOTPSecret, v.now().UTC(), totpOpts)
	if err != nil || !ok {
		return fmt.Errorf("%w: invalid mfa code", domain.ErrPermissionDenied)
	}
	fresh, err := v.codes.UseCode(ctx, adminID, code, codeReuseWindow)
	if err != nil {
		return fmt.Errorf("failed to record mfa code: %w", err)
	}
	if !fresh {
		return fmt.Errorf("%w: mfa code already used, wait for the next code", domain.ErrPermissionDenied)
	}
	return nil
}

// Enroll generates a new secret for the admin and returns the provisioning URL.
func Enroll(issuer, adminID string) (secret, url string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: adminID,
		Period:      30,
		SecretSize:  20,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to generate totp secret: %w", err)
	}
	return key.Secret(), key.URL(), nil
}
