package authgate

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/cordant/authgate/internal"
)

// mfaStatusLoader feeds the read-through cache: an identity with no stored
// settings simply has MFA disabled.
func (e *Engine) mfaStatusLoader(ctx context.Context, identityID string) (*MFAStatus, error) {
	settings, err := e.mfa.Settings(ctx, identityID)
	if err != nil {
		if errors.Is(err, ErrMFANotConfigured) {
			return &MFAStatus{}, nil
		}
		return nil, err
	}
	return &MFAStatus{Enabled: len(settings.Methods) > 0, Methods: settings.Methods}, nil
}

// startChallenge parks a password-verified login on a second-factor
// challenge. TOTP wins over SMS when both are enrolled; SMS delivery failure
// aborts the login with an error rather than issuing tokens.
func (e *Engine) startChallenge(ctx context.Context, ident *Identity, status *MFAStatus, actx AuthContext) (*Outcome, error) {
	method := MethodSMS
	for _, m := range status.Methods {
		if m == MethodTOTP {
			method = MethodTOTP
			break
		}
	}

	challengeID, err := e.issueChallenge(ctx, ident, method, actx)
	if err != nil {
		return nil, err
	}

	return &Outcome{
		Status:      OutcomeMFARequired,
		ChallengeID: challengeID,
		Method:      method,
	}, nil
}

// issueChallenge builds and stores one login challenge for an enrolled
// factor. SMS challenges carry a hash of the dispatched code; TOTP ones
// store no code and verify against the live secret at completion time.
func (e *Engine) issueChallenge(ctx context.Context, ident *Identity, method MFAMethod, actx AuthContext) (string, error) {
	rec := &challengeRecord{
		IdentityID: ident.ID,
		Email:      ident.Email,
		Method:     method,
		SessionID:  actx.SessionID,
		IP:         actx.IP,
		UserAgent:  actx.UserAgent,
		Location:   actx.Location,
	}

	if method == MethodSMS {
		settings, err := e.mfa.Settings(ctx, ident.ID)
		if err != nil {
			return "", err
		}
		if settings.Phone == "" {
			return "", ErrMFANotConfigured
		}

		code, err := internal.NewOTP(e.config.MFA.OTPDigits)
		if err != nil {
			return "", err
		}
		rec.CodeHash = hashCode(code)

		if e.sms == nil {
			return "", ErrSMSDeliveryFailed
		}
		if err := e.sms.SendSMS(ctx, settings.Phone, "Your verification code is "+code); err != nil {
			return "", fmt.Errorf("%w: %v", ErrSMSDeliveryFailed, err)
		}
	}

	challengeID, err := e.mfa.CreateChallenge(ctx, rec)
	if err != nil {
		return "", err
	}

	e.metrics.Inc(MetricMFARequired)
	e.emit(AuditEvent{EventType: AuditMFARequired, IdentityID: ident.ID, IP: actx.IP})

	return challengeID, nil
}

// CreateChallenge issues a fresh challenge for a specific enrolled factor,
// outside the login flow. The usual caller is a resend endpoint: the first
// SMS never arrived, or the user wants to switch from TOTP to SMS.
// [ErrMFANotConfigured] is returned when the method is not enrolled.
func (e *Engine) CreateChallenge(ctx context.Context, identityID string, method MFAMethod, actx AuthContext) (string, error) {
	if err := e.ready(); err != nil {
		return "", err
	}
	if method != MethodTOTP && method != MethodSMS && method != MethodBackupCode {
		return "", ErrMFANotConfigured
	}

	settings, err := e.mfa.Settings(ctx, identityID)
	if err != nil {
		return "", err
	}
	if !settings.hasMethod(method) {
		return "", ErrMFANotConfigured
	}

	ident, err := e.cache.IdentityByID(ctx, identityID)
	if err != nil {
		return "", err
	}
	return e.issueChallenge(ctx, ident, method, actx)
}

// CompleteMFA resolves a pending challenge. A correct code resumes the login
// exactly where Authenticate parked it; a wrong one burns an attempt, and
// the third wrong one evicts the challenge. method selects the code type
// being submitted and may name MethodBackupCode to recover from a lost
// device; the zero value means the challenge's own method.
func (e *Engine) CompleteMFA(ctx context.Context, challengeID, code string, method MFAMethod, actx AuthContext) (*Outcome, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	start := e.nowFunc()
	defer func() {
		e.metrics.Observe(MetricCompleteMFALatency, e.nowFunc().Sub(start))
	}()

	rec, err := e.mfa.Challenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if rec.Setup {
		return nil, ErrChallengeNotFound
	}
	if method == "" {
		method = rec.Method
	}
	if method != rec.Method && method != MethodBackupCode {
		return nil, ErrChallengeNotFound
	}

	settings, err := e.mfa.Settings(ctx, rec.IdentityID)
	if err != nil {
		return nil, err
	}

	verifyErr := e.verifyFactor(ctx, rec, settings, method, code)
	if verifyErr != nil {
		return nil, e.challengeFailed(ctx, challengeID, rec, method, verifyErr)
	}

	if err := e.mfa.ConsumeChallenge(ctx, challengeID); err != nil {
		e.metrics.Inc(MetricStoreError)
	}

	ident, err := e.cache.Identity(ctx, rec.Email)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			// The identity vanished between password check and completion.
			return nil, ErrChallengeNotFound
		}
		return nil, err
	}

	if actx.SessionID == "" {
		actx.SessionID = rec.SessionID
	}
	if actx.IP == "" {
		actx.IP = rec.IP
	}
	if actx.UserAgent == "" {
		actx.UserAgent = rec.UserAgent
	}
	if actx.Location == "" {
		actx.Location = rec.Location
	}

	e.metrics.Inc(MetricMFASuccess)
	if method == MethodBackupCode {
		e.metrics.Inc(MetricBackupCodeUsed)
	}
	e.emit(AuditEvent{EventType: AuditMFASuccess, IdentityID: ident.ID, IP: actx.IP, Success: true})

	return e.finishLogin(ctx, ident, rec.Email, limiterHint(rec.Email), actx)
}

// verifyFactor checks one submitted code against the enrolled factor.
func (e *Engine) verifyFactor(ctx context.Context, rec *challengeRecord, settings *mfaSettings, method MFAMethod, code string) error {
	switch method {
	case MethodTOTP:
		if len(settings.TOTPSecret) == 0 {
			return ErrMFANotConfigured
		}
		ok, counter, err := e.totp.VerifyCode(settings.TOTPSecret, code, e.nowFunc())
		if err != nil {
			return err
		}
		if !ok {
			return ErrTOTPInvalid
		}
		if counter <= settings.TOTPCounter {
			e.metrics.Inc(MetricMFAReplayAttempt)
			return ErrTOTPReplayed
		}
		return e.mfa.UpdateSettings(ctx, rec.IdentityID, func(s *mfaSettings) error {
			if counter <= s.TOTPCounter {
				return ErrTOTPReplayed
			}
			s.TOTPCounter = counter
			return nil
		})

	case MethodSMS:
		if rec.CodeHash == "" || !codeHashEqual(rec.CodeHash, code) {
			return ErrTOTPInvalid
		}
		return nil

	case MethodBackupCode:
		return e.consumeBackupCode(ctx, rec.IdentityID, code)

	default:
		return ErrMFANotConfigured
	}
}

// consumeBackupCode removes the matching code hash atomically so a code can
// never be accepted twice, even under concurrent submissions.
func (e *Engine) consumeBackupCode(ctx context.Context, identityID, code string) error {
	err := e.mfa.UpdateSettings(ctx, identityID, func(s *mfaSettings) error {
		for i, stored := range s.BackupCodes {
			if codeHashEqual(stored, code) {
				s.BackupCodes = append(s.BackupCodes[:i], s.BackupCodes[i+1:]...)
				return nil
			}
		}
		return ErrBackupCodeInvalid
	})
	if err != nil {
		e.metrics.Inc(MetricBackupCodeFailed)
	}
	return err
}

// challengeFailed burns an attempt and translates exhaustion. The original
// verification error is returned while attempts remain.
func (e *Engine) challengeFailed(ctx context.Context, challengeID string, rec *challengeRecord, method MFAMethod, verifyErr error) error {
	e.metrics.Inc(MetricMFAFailure)

	remaining, recordErr := e.mfa.RecordFailure(ctx, challengeID)
	if errors.Is(recordErr, ErrChallengeExhausted) {
		e.metrics.Inc(MetricMFAExhausted)
		e.emit(AuditEvent{EventType: AuditMFAExhausted, IdentityID: rec.IdentityID, IP: rec.IP})
		return ErrChallengeExhausted
	}
	if recordErr != nil {
		return recordErr
	}

	e.emit(AuditEvent{
		EventType:  AuditMFAFailure,
		IdentityID: rec.IdentityID,
		IP:         rec.IP,
		Error:      verifyErr.Error(),
		Metadata:   map[string]string{"attempts_remaining": strconv.Itoa(remaining), "method": string(method)},
	})
	return verifyErr
}

// SetupTOTP begins TOTP enrollment: a fresh secret and backup codes are
// generated and held as a pending enrollment until the holder proves
// possession with ConfirmTOTPSetup. The plaintext backup codes appear only
// in the returned value.
func (e *Engine) SetupTOTP(ctx context.Context, identityID, email string) (*TOTPSetup, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	if settings, err := e.mfa.Settings(ctx, identityID); err == nil && settings.hasMethod(MethodTOTP) {
		return nil, ErrMFAAlreadyEnabled
	} else if err != nil && !errors.Is(err, ErrMFANotConfigured) {
		return nil, err
	}

	secret, secretBase32, err := e.totp.GenerateSecret()
	if err != nil {
		return nil, err
	}

	codes, hashes, err := e.generateBackupCodes()
	if err != nil {
		return nil, err
	}

	enrollment := &pendingEnrollment{Secret: secret, BackupCodes: hashes}
	if err := e.mfa.SaveEnrollment(ctx, identityID, enrollment); err != nil {
		return nil, err
	}

	return &TOTPSetup{
		SecretBase32: secretBase32,
		QRPayload:    e.totp.ProvisionURI(secretBase32, email),
		BackupCodes:  codes,
	}, nil
}

// ConfirmTOTPSetup promotes a pending enrollment into live settings after a
// valid code proves the authenticator holds the secret.
func (e *Engine) ConfirmTOTPSetup(ctx context.Context, identityID, code string) error {
	if err := e.ready(); err != nil {
		return err
	}

	enrollment, err := e.mfa.Enrollment(ctx, identityID)
	if err != nil {
		return err
	}

	ok, counter, err := e.totp.VerifyCode(enrollment.Secret, code, e.nowFunc())
	if err != nil {
		return err
	}
	if !ok {
		return ErrTOTPInvalid
	}

	settings, err := e.mfa.Settings(ctx, identityID)
	if errors.Is(err, ErrMFANotConfigured) {
		settings = &mfaSettings{}
	} else if err != nil {
		return err
	}

	settings.TOTPSecret = enrollment.Secret
	settings.TOTPCounter = counter
	settings.BackupCodes = enrollment.BackupCodes
	if !settings.hasMethod(MethodTOTP) {
		settings.Methods = append(settings.Methods, MethodTOTP)
	}
	if !settings.hasMethod(MethodBackupCode) {
		settings.Methods = append(settings.Methods, MethodBackupCode)
	}

	if err := e.mfa.SaveSettings(ctx, identityID, settings); err != nil {
		return err
	}
	_ = e.mfa.DeleteEnrollment(ctx, identityID)
	e.cache.InvalidateMFAStatus(ctx, identityID)
	return nil
}

// SetupSMS begins SMS enrollment: a code goes to the submitted phone number
// and the number is held on the challenge until ConfirmSMSSetup verifies it.
func (e *Engine) SetupSMS(ctx context.Context, identityID, email, phone string) (string, error) {
	if err := e.ready(); err != nil {
		return "", err
	}
	if phone == "" {
		return "", ErrMFANotConfigured
	}
	if e.sms == nil {
		return "", ErrSMSDeliveryFailed
	}

	if settings, err := e.mfa.Settings(ctx, identityID); err == nil && settings.hasMethod(MethodSMS) {
		return "", ErrMFAAlreadyEnabled
	} else if err != nil && !errors.Is(err, ErrMFANotConfigured) {
		return "", err
	}

	code, err := internal.NewOTP(e.config.MFA.OTPDigits)
	if err != nil {
		return "", err
	}
	if err := e.sms.SendSMS(ctx, phone, "Your verification code is "+code); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSMSDeliveryFailed, err)
	}

	rec := &challengeRecord{
		IdentityID: identityID,
		Email:      email,
		Method:     MethodSMS,
		CodeHash:   hashCode(code),
		Setup:      true,
		Phone:      phone,
	}
	return e.mfa.CreateChallenge(ctx, rec)
}

// ConfirmSMSSetup completes SMS enrollment for the phone number carried by
// the setup challenge.
func (e *Engine) ConfirmSMSSetup(ctx context.Context, identityID, challengeID, code string) error {
	if err := e.ready(); err != nil {
		return err
	}

	rec, err := e.mfa.Challenge(ctx, challengeID)
	if err != nil {
		return err
	}
	if !rec.Setup || rec.IdentityID != identityID || rec.Method != MethodSMS {
		return ErrChallengeNotFound
	}

	if !codeHashEqual(rec.CodeHash, code) {
		_, recordErr := e.mfa.RecordFailure(ctx, challengeID)
		if errors.Is(recordErr, ErrChallengeExhausted) {
			return ErrChallengeExhausted
		}
		return ErrTOTPInvalid
	}

	settings, err := e.mfa.Settings(ctx, identityID)
	if errors.Is(err, ErrMFANotConfigured) {
		settings = &mfaSettings{}
	} else if err != nil {
		return err
	}

	settings.Phone = rec.Phone
	if !settings.hasMethod(MethodSMS) {
		settings.Methods = append(settings.Methods, MethodSMS)
	}

	if err := e.mfa.SaveSettings(ctx, identityID, settings); err != nil {
		return err
	}
	_ = e.mfa.ConsumeChallenge(ctx, challengeID)
	e.cache.InvalidateMFAStatus(ctx, identityID)
	return nil
}

// RegenerateBackupCodes replaces the full backup code set after a live TOTP
// code proves the caller still holds the enrolled authenticator. Old codes
// stop working immediately; the new plaintext codes appear only in the
// return value.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, identityID, totpCode string) ([]string, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	settings, err := e.mfa.Settings(ctx, identityID)
	if err != nil {
		return nil, err
	}
	if len(settings.TOTPSecret) == 0 {
		return nil, ErrMFANotConfigured
	}

	ok, counter, err := e.totp.VerifyCode(settings.TOTPSecret, totpCode, e.nowFunc())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrTOTPInvalid
	}
	if counter <= settings.TOTPCounter {
		e.metrics.Inc(MetricMFAReplayAttempt)
		return nil, ErrTOTPReplayed
	}

	codes, hashes, err := e.generateBackupCodes()
	if err != nil {
		return nil, err
	}

	err = e.mfa.UpdateSettings(ctx, identityID, func(s *mfaSettings) error {
		if counter <= s.TOTPCounter {
			return ErrTOTPReplayed
		}
		s.TOTPCounter = counter
		s.BackupCodes = hashes
		if !s.hasMethod(MethodBackupCode) {
			s.Methods = append(s.Methods, MethodBackupCode)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.metrics.Inc(MetricBackupCodeRegenerated)
	e.cache.InvalidateMFAStatus(ctx, identityID)
	return codes, nil
}

// DisableMFA removes every enrolled factor for an identity.
func (e *Engine) DisableMFA(ctx context.Context, identityID string) error {
	if err := e.ready(); err != nil {
		return err
	}

	if _, err := e.mfa.Settings(ctx, identityID); err != nil {
		return err
	}
	if err := e.mfa.store.Del(ctx, mfaSettingsPrefix+identityID); err != nil {
		e.metrics.Inc(MetricStoreError)
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	e.cache.InvalidateMFAStatus(ctx, identityID)
	return nil
}

func (e *Engine) generateBackupCodes() ([]string, []string, error) {
	count := e.config.MFA.BackupCodeCount
	codes := make([]string, 0, count)
	hashes := make([]string, 0, count)
	for i := 0; i < count; i++ {
		code, err := internal.NewBackupCode(e.config.MFA.BackupCodeLen)
		if err != nil {
			return nil, nil, err
		}
		codes = append(codes, code)
		hashes = append(hashes, hashCode(code))
	}
	return codes, hashes, nil
}
