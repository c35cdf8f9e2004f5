package authkit

import (
	"context"
	"strings"
	"testing"
)

func TestProfileUpdateResetsPhoneConfirmation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	harness := newAuthHarness(t)
	user := harness.register(t, "a@x.com")
	confirmed := true
	user.PhoneConfirmed = &confirmed
	if err := harness.credentials.Update(ctx, user); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	profile, err := harness.account.GetProfile(ctx, user.ID)
	if err != nil || !*profile.PhoneNumberConfirmed || profile.PreferredTwoFactorProvider != "None" {
		t.Fatalf("unexpected profile %+v (%v)", profile, err)
	}

	profile, err = harness.account.UpdateProfile(ctx, user.ID, ProfileInput{FirstName: "Ada", LastName: "Byron", PhoneNumber: "+15551234567"})
	if err != nil || profile.PhoneNumberConfirmed == nil || profile.LastName != "Byron" {
		t.Fatalf("unchanged phone must stay confirmed, got %+v (%v)", profile, err)
	}
	profile, err = harness.account.UpdateProfile(ctx, user.ID, ProfileInput{FirstName: "Ada", LastName: "Byron", PhoneNumber: "+15557654321"})
	if err != nil || profile.PhoneNumberConfirmed != nil {
		t.Fatalf("changed phone must be reconfirmed, got %+v (%v)", profile, err)
	}

	_, err = harness.account.UpdateProfile(ctx, user.ID, ProfileInput{FirstName: "", LastName: "Byron", PhoneNumber: "abc"})
	appErr := expectKind(t, err, KindValidation)
	if strings.Join(appErr.Messages, "|") != "First name is required.|Phone number is not valid." {
		t.Fatalf("unexpected messages %v", appErr.Messages)
	}
	_, err = harness.account.GetProfile(ctx, "missing")
	expectKind(t, err, KindNotFound)
}

func TestEmailConfirmationFlow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	harness := newAuthHarness(t)
	user := harness.register(t, "a@x.com")

	expectKind(t, harness.account.SendEmailConfirmationLink(ctx, user.ID, "other@x.com"), KindBadRequest)
	if err := harness.account.SendEmailConfirmationLink(ctx, user.ID, "A@x.com"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	mail := harness.notifier.last(t)
	if !strings.HasPrefix(mail.body, "https://app.example.com/confirm-email?userId="+user.ID+"&token=") {
		t.Fatalf("unexpected confirmation link %q", mail.body)
	}
	token := linkParam(t, mail.body, "token")

	expectKind(t, harness.account.ConfirmEmail(ctx, user.ID, "bogus"), KindBadRequest)
	if err := harness.account.ConfirmEmail(ctx, user.ID, token); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	profile, _ := harness.account.GetProfile(ctx, user.ID)
	if profile.EmailConfirmed == nil || !*profile.EmailConfirmed {
		t.Fatalf("expected confirmed email, got %+v", profile)
	}
	appErr := expectKind(t, harness.account.SendEmailConfirmationLink(ctx, user.ID, "a@x.com"), KindBadRequest)
	if appErr.Message() != "Email already confirmed" {
		t.Fatalf("unexpected message %q", appErr.Message())
	}
}

func TestChangeEmailFlow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	harness := newAuthHarness(t)
	user := harness.register(t, "a@x.com")
	harness.register(t, "taken@x.com")

	appErr := expectKind(t, harness.account.SendChangeEmailLink(ctx, user.ID, "a@x.com"), KindBadRequest)
	if appErr.Message() != "This email is the same as your email" {
		t.Fatalf("unexpected message %q", appErr.Message())
	}
	appErr = expectKind(t, harness.account.SendChangeEmailLink(ctx, user.ID, "taken@x.com"), KindBadRequest)
	if appErr.Message() != "This email has been registered" {
		t.Fatalf("unexpected message %q", appErr.Message())
	}
	expectKind(t, harness.account.SendChangeEmailLink(ctx, user.ID, "nope"), KindValidation)

	if err := harness.account.SendChangeEmailLink(ctx, user.ID, "New@x.com"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	mail := harness.notifier.last(t)
	if mail.to != "new@x.com" || linkParam(t, mail.body, "newEmail") != "new%40x.com" {
		t.Fatalf("expected link mailed to the new address, got %+v", mail)
	}
	token := linkParam(t, mail.body, "token")

	expectKind(t, harness.account.ChangeEmail(ctx, user.ID, "other@x.com", token), KindBadRequest)

	if err := harness.account.SendChangeEmailLink(ctx, user.ID, "new@x.com"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	token = linkParam(t, harness.notifier.last(t).body, "token")
	if err := harness.account.ChangeEmail(ctx, user.ID, "new@x.com", token); err != nil {
		t.Fatalf("change failed: %v", err)
	}
	profile, _ := harness.account.GetProfile(ctx, user.ID)
	if profile.Email != "new@x.com" || profile.EmailConfirmed == nil || !*profile.EmailConfirmed {
		t.Fatalf("unexpected profile %+v", profile)
	}
}

func TestChangeEmailAfterStampRotationIsConcurrencyFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	harness := newAuthHarness(t)
	user := harness.register(t, "a@x.com")

	if err := harness.account.SendChangeEmailLink(ctx, user.ID, "new@x.com"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	token := linkParam(t, harness.notifier.last(t).body, "token")
	if err := harness.credentials.SetPassword(ctx, user, "Other-pass1!"); err != nil {
		t.Fatalf("set password failed: %v", err)
	}
	expectKind(t, harness.account.ChangeEmail(ctx, user.ID, "new@x.com", token), KindConcurrencyFailure)
}
