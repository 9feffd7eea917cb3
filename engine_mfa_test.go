package authgate

import (
	"context"
	"errors"
	"testing"
	"time"
)

func enrollTOTP(t *testing.T, env *testEnv, ident *Identity) *TOTPSetup {
	t.Helper()

	setup, err := env.engine.SetupTOTP(context.Background(), ident.ID, ident.Email)
	if err != nil {
		t.Fatalf("SetupTOTP failed: %v", err)
	}
	if setup.SecretBase32 == "" || setup.QRPayload == "" {
		t.Fatal("expected secret and provisioning payload")
	}
	if len(setup.BackupCodes) != env.engine.config.MFA.BackupCodeCount {
		t.Fatalf("expected %d backup codes, got %d", env.engine.config.MFA.BackupCodeCount, len(setup.BackupCodes))
	}

	code := codeForSecret(t, setup.SecretBase32, time.Now())
	if err := env.engine.ConfirmTOTPSetup(context.Background(), ident.ID, code); err != nil {
		t.Fatalf("ConfirmTOTPSetup failed: %v", err)
	}
	return setup
}

func startTOTPChallenge(t *testing.T, env *testEnv, email, password string) *Outcome {
	t.Helper()

	out, err := env.engine.Authenticate(context.Background(), email, password, testAuthContext())
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if out.Status != OutcomeMFARequired {
		t.Fatalf("expected mfa required, got %s", out.Status)
	}
	if out.ChallengeID == "" {
		t.Fatal("expected challenge id")
	}
	if out.AccessToken != "" || out.RefreshToken != "" {
		t.Fatal("no tokens may be issued before the challenge resolves")
	}
	return out
}

func TestCompleteMFAWithTOTPIssuesTokens(t *testing.T) {
	env := newTestEngine(t, nil)
	ident := seedIdentity(env, "alice@example.com", "correct-horse")
	setup := enrollTOTP(t, env, ident)

	out := startTOTPChallenge(t, env, "alice@example.com", "correct-horse")
	if out.Method != MethodTOTP {
		t.Fatalf("expected totp challenge, got %s", out.Method)
	}

	// The confirmation consumed the current window's code; step forward one
	// period so the login code has a fresh counter.
	code := codeForSecret(t, setup.SecretBase32, time.Now().Add(totpPeriod*time.Second))
	env.engine.nowFunc = func() time.Time { return time.Now().Add(totpPeriod * time.Second) }

	done, err := env.engine.CompleteMFA(context.Background(), out.ChallengeID, code, "", testAuthContext())
	if err != nil {
		t.Fatalf("CompleteMFA failed: %v", err)
	}
	if done.Status != OutcomeSuccess || done.AccessToken == "" || done.RefreshToken == "" {
		t.Fatalf("expected full login, got %s", done.Status)
	}

	// The challenge is single-use.
	if _, err := env.engine.CompleteMFA(context.Background(), out.ChallengeID, code, "", testAuthContext()); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected challenge consumed, got %v", err)
	}
}

func TestCompleteMFAAttemptExhaustionEvictsChallenge(t *testing.T) {
	env := newTestEngine(t, nil)
	ident := seedIdentity(env, "alice@example.com", "correct-horse")
	enrollTOTP(t, env, ident)

	out := startTOTPChallenge(t, env, "alice@example.com", "correct-horse")

	for i := 0; i < env.engine.config.MFA.MaxAttempts-1; i++ {
		_, err := env.engine.CompleteMFA(context.Background(), out.ChallengeID, "000000", "", testAuthContext())
		if !errors.Is(err, ErrTOTPInvalid) {
			t.Fatalf("attempt %d: expected invalid code, got %v", i, err)
		}
	}

	_, err := env.engine.CompleteMFA(context.Background(), out.ChallengeID, "000000", "", testAuthContext())
	if !errors.Is(err, ErrChallengeExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}

	if _, err := env.engine.CompleteMFA(context.Background(), out.ChallengeID, "000000", "", testAuthContext()); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected evicted challenge, got %v", err)
	}
}

func TestCompleteMFAChallengeExpires(t *testing.T) {
	env := newTestEngine(t, nil)
	ident := seedIdentity(env, "alice@example.com", "correct-horse")
	setup := enrollTOTP(t, env, ident)

	out := startTOTPChallenge(t, env, "alice@example.com", "correct-horse")

	// Move the challenge store's clock past the five-minute lifetime.
	env.engine.mfa.nowFunc = func() time.Time {
		return time.Now().Add(env.engine.config.MFA.ChallengeTTL + time.Second)
	}

	code := codeForSecret(t, setup.SecretBase32, time.Now())
	if _, err := env.engine.CompleteMFA(context.Background(), out.ChallengeID, code, "", testAuthContext()); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected expired challenge rejected, got %v", err)
	}
}

func TestCompleteMFARejectsReplayedTOTPCode(t *testing.T) {
	env := newTestEngine(t, nil)
	ident := seedIdentity(env, "alice@example.com", "correct-horse")
	setup := enrollTOTP(t, env, ident)

	shifted := func() time.Time { return time.Now().Add(totpPeriod * time.Second) }
	env.engine.nowFunc = shifted
	code := codeForSecret(t, setup.SecretBase32, shifted())

	out := startTOTPChallenge(t, env, "alice@example.com", "correct-horse")
	if _, err := env.engine.CompleteMFA(context.Background(), out.ChallengeID, code, "", testAuthContext()); err != nil {
		t.Fatalf("first completion failed: %v", err)
	}

	// Same code against a fresh challenge: the accepted counter is stored,
	// so the replay must be refused.
	out = startTOTPChallenge(t, env, "alice@example.com", "correct-horse")
	if _, err := env.engine.CompleteMFA(context.Background(), out.ChallengeID, code, "", testAuthContext()); !errors.Is(err, ErrTOTPReplayed) {
		t.Fatalf("expected replay rejection, got %v", err)
	}
}

func TestBackupCodeIsSingleUse(t *testing.T) {
	env := newTestEngine(t, nil)
	ident := seedIdentity(env, "alice@example.com", "correct-horse")
	setup := enrollTOTP(t, env, ident)
	backup := setup.BackupCodes[0]

	out := startTOTPChallenge(t, env, "alice@example.com", "correct-horse")
	done, err := env.engine.CompleteMFA(context.Background(), out.ChallengeID, backup, MethodBackupCode, testAuthContext())
	if err != nil {
		t.Fatalf("backup completion failed: %v", err)
	}
	if done.Status != OutcomeSuccess {
		t.Fatalf("expected success, got %s", done.Status)
	}

	out = startTOTPChallenge(t, env, "alice@example.com", "correct-horse")
	if _, err := env.engine.CompleteMFA(context.Background(), out.ChallengeID, backup, MethodBackupCode, testAuthContext()); !errors.Is(err, ErrBackupCodeInvalid) {
		t.Fatalf("expected consumed code rejected, got %v", err)
	}
}

func TestRegenerateBackupCodesInvalidatesOldSet(t *testing.T) {
	env := newTestEngine(t, nil)
	ident := seedIdentity(env, "alice@example.com", "correct-horse")
	setup := enrollTOTP(t, env, ident)

	// The confirmation consumed the current window's code; step forward one
	// period so the regeneration proof has a fresh counter.
	code := codeForSecret(t, setup.SecretBase32, time.Now().Add(totpPeriod*time.Second))
	env.engine.nowFunc = func() time.Time { return time.Now().Add(totpPeriod * time.Second) }

	fresh, err := env.engine.RegenerateBackupCodes(context.Background(), ident.ID, code)
	if err != nil {
		t.Fatalf("RegenerateBackupCodes failed: %v", err)
	}
	if len(fresh) != env.engine.config.MFA.BackupCodeCount {
		t.Fatalf("expected %d codes, got %d", env.engine.config.MFA.BackupCodeCount, len(fresh))
	}

	out := startTOTPChallenge(t, env, "alice@example.com", "correct-horse")
	if _, err := env.engine.CompleteMFA(context.Background(), out.ChallengeID, setup.BackupCodes[0], MethodBackupCode, testAuthContext()); !errors.Is(err, ErrBackupCodeInvalid) {
		t.Fatalf("expected old code rejected, got %v", err)
	}

	out2 := startTOTPChallenge(t, env, "alice@example.com", "correct-horse")
	if _, err := env.engine.CompleteMFA(context.Background(), out2.ChallengeID, fresh[0], MethodBackupCode, testAuthContext()); err != nil {
		t.Fatalf("fresh code rejected: %v", err)
	}
}

func TestRegenerateBackupCodesDemandsTOTPProof(t *testing.T) {
	env := newTestEngine(t, nil)
	ident := seedIdentity(env, "alice@example.com", "correct-horse")
	setup := enrollTOTP(t, env, ident)

	// No code, wrong code: the stored set must survive untouched.
	if _, err := env.engine.RegenerateBackupCodes(context.Background(), ident.ID, ""); !errors.Is(err, ErrTOTPInvalid) {
		t.Fatalf("expected ErrTOTPInvalid for empty code, got %v", err)
	}
	if _, err := env.engine.RegenerateBackupCodes(context.Background(), ident.ID, "000000"); !errors.Is(err, ErrTOTPInvalid) {
		t.Fatalf("expected ErrTOTPInvalid for wrong code, got %v", err)
	}

	// Replaying the confirmation window's counter is rejected too.
	replayed := codeForSecret(t, setup.SecretBase32, time.Now())
	if _, err := env.engine.RegenerateBackupCodes(context.Background(), ident.ID, replayed); !errors.Is(err, ErrTOTPReplayed) {
		t.Fatalf("expected ErrTOTPReplayed, got %v", err)
	}

	out := startTOTPChallenge(t, env, "alice@example.com", "correct-horse")
	if _, err := env.engine.CompleteMFA(context.Background(), out.ChallengeID, setup.BackupCodes[0], MethodBackupCode, testAuthContext()); err != nil {
		t.Fatalf("original backup code should still work: %v", err)
	}
}

func TestRegenerateBackupCodesRequiresTOTPEnrollment(t *testing.T) {
	env := newTestEngine(t, nil)
	ident := seedIdentity(env, "bob@example.com", "hunter2hunter2")

	setupID, err := env.engine.SetupSMS(context.Background(), ident.ID, ident.Email, "+15550100")
	if err != nil {
		t.Fatalf("SetupSMS failed: %v", err)
	}
	if err := env.engine.ConfirmSMSSetup(context.Background(), ident.ID, setupID, env.sms.lastCode(t)); err != nil {
		t.Fatalf("ConfirmSMSSetup failed: %v", err)
	}

	if _, err := env.engine.RegenerateBackupCodes(context.Background(), ident.ID, "123456"); !errors.Is(err, ErrMFANotConfigured) {
		t.Fatalf("expected ErrMFANotConfigured without a TOTP secret, got %v", err)
	}
}

func TestSMSChallengeFlow(t *testing.T) {
	env := newTestEngine(t, nil)
	ident := seedIdentity(env, "bob@example.com", "hunter2hunter2")

	challengeID, err := env.engine.SetupSMS(context.Background(), ident.ID, ident.Email, "+15550100")
	if err != nil {
		t.Fatalf("SetupSMS failed: %v", err)
	}
	if err := env.engine.ConfirmSMSSetup(context.Background(), ident.ID, challengeID, env.sms.lastCode(t)); err != nil {
		t.Fatalf("ConfirmSMSSetup failed: %v", err)
	}

	out, err := env.engine.Authenticate(context.Background(), "bob@example.com", "hunter2hunter2", testAuthContext())
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if out.Status != OutcomeMFARequired || out.Method != MethodSMS {
		t.Fatalf("expected sms challenge, got %s/%s", out.Status, out.Method)
	}

	done, err := env.engine.CompleteMFA(context.Background(), out.ChallengeID, env.sms.lastCode(t), "", testAuthContext())
	if err != nil {
		t.Fatalf("CompleteMFA failed: %v", err)
	}
	if done.Status != OutcomeSuccess {
		t.Fatalf("expected success, got %s", done.Status)
	}
}

func TestAuthenticateAbortsWhenSMSDeliveryFails(t *testing.T) {
	env := newTestEngine(t, nil)
	ident := seedIdentity(env, "bob@example.com", "hunter2hunter2")

	challengeID, err := env.engine.SetupSMS(context.Background(), ident.ID, ident.Email, "+15550100")
	if err != nil {
		t.Fatalf("SetupSMS failed: %v", err)
	}
	if err := env.engine.ConfirmSMSSetup(context.Background(), ident.ID, challengeID, env.sms.lastCode(t)); err != nil {
		t.Fatalf("ConfirmSMSSetup failed: %v", err)
	}

	env.sms.fail = true
	if _, err := env.engine.Authenticate(context.Background(), "bob@example.com", "hunter2hunter2", testAuthContext()); !errors.Is(err, ErrSMSDeliveryFailed) {
		t.Fatalf("expected delivery failure surfaced, got %v", err)
	}
}

func TestDisableMFARestoresPasswordOnlyLogin(t *testing.T) {
	env := newTestEngine(t, nil)
	ident := seedIdentity(env, "alice@example.com", "correct-horse")
	enrollTOTP(t, env, ident)

	if err := env.engine.DisableMFA(context.Background(), ident.ID); err != nil {
		t.Fatalf("DisableMFA failed: %v", err)
	}

	out, err := env.engine.Authenticate(context.Background(), "alice@example.com", "correct-horse", testAuthContext())
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if out.Status != OutcomeSuccess {
		t.Fatalf("expected password-only success, got %s", out.Status)
	}
}

func TestCreateChallengeResendsSMSCode(t *testing.T) {
	env := newTestEngine(t, nil)
	ident := seedIdentity(env, "bob@example.com", "hunter2hunter2")

	setupID, err := env.engine.SetupSMS(context.Background(), ident.ID, ident.Email, "+15550100")
	if err != nil {
		t.Fatalf("SetupSMS failed: %v", err)
	}
	if err := env.engine.ConfirmSMSSetup(context.Background(), ident.ID, setupID, env.sms.lastCode(t)); err != nil {
		t.Fatalf("ConfirmSMSSetup failed: %v", err)
	}

	challengeID, err := env.engine.CreateChallenge(context.Background(), ident.ID, MethodSMS, testAuthContext())
	if err != nil {
		t.Fatalf("CreateChallenge failed: %v", err)
	}

	out, err := env.engine.CompleteMFA(context.Background(), challengeID, env.sms.lastCode(t), "", testAuthContext())
	if err != nil {
		t.Fatalf("CompleteMFA failed: %v", err)
	}
	if out.Status != OutcomeSuccess {
		t.Fatalf("expected success, got %s", out.Status)
	}
}

func TestCreateChallengeRequiresEnrollment(t *testing.T) {
	env := newTestEngine(t, nil)
	ident := seedIdentity(env, "bob@example.com", "hunter2hunter2")

	if _, err := env.engine.CreateChallenge(context.Background(), ident.ID, MethodTOTP, testAuthContext()); !errors.Is(err, ErrMFANotConfigured) {
		t.Fatalf("expected ErrMFANotConfigured, got %v", err)
	}

	enrollTOTP(t, env, ident)

	// TOTP is enrolled now, SMS still is not.
	if _, err := env.engine.CreateChallenge(context.Background(), ident.ID, MethodSMS, testAuthContext()); !errors.Is(err, ErrMFANotConfigured) {
		t.Fatalf("expected ErrMFANotConfigured for sms, got %v", err)
	}
	if _, err := env.engine.CreateChallenge(context.Background(), ident.ID, MethodTOTP, testAuthContext()); err != nil {
		t.Fatalf("CreateChallenge failed for enrolled totp: %v", err)
	}
}

func TestCompleteMFARecordsLatency(t *testing.T) {
	env := newTestEngine(t, func(cfg *Config) {
		cfg.Metrics.LatencyHistograms = true
	})
	ident := seedIdentity(env, "alice@example.com", "correct-horse")
	setup := enrollTOTP(t, env, ident)

	out := startTOTPChallenge(t, env, "alice@example.com", "correct-horse")
	code := codeForSecret(t, setup.SecretBase32, time.Now().Add(totpPeriod*time.Second))
	env.engine.nowFunc = func() time.Time { return time.Now().Add(totpPeriod * time.Second) }

	if _, err := env.engine.CompleteMFA(context.Background(), out.ChallengeID, code, "", testAuthContext()); err != nil {
		t.Fatalf("CompleteMFA failed: %v", err)
	}

	snap := env.engine.MetricsSnapshot()
	var samples uint64
	for _, n := range snap.Histograms[MetricCompleteMFALatency] {
		samples += n
	}
	if samples == 0 {
		t.Fatal("expected CompleteMFA to record a latency sample")
	}

	// The rejection path records too.
	out2 := startTOTPChallenge(t, env, "alice@example.com", "correct-horse")
	if _, err := env.engine.CompleteMFA(context.Background(), out2.ChallengeID, "000000", "", testAuthContext()); !errors.Is(err, ErrTOTPInvalid) {
		t.Fatalf("expected ErrTOTPInvalid, got %v", err)
	}
	snap = env.engine.MetricsSnapshot()
	var after uint64
	for _, n := range snap.Histograms[MetricCompleteMFALatency] {
		after += n
	}
	if after != samples+1 {
		t.Fatalf("expected %d samples after failed completion, got %d", samples+1, after)
	}
}
