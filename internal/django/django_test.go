package django

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comercium/deployctl/pkg/testutil"
)

func TestMakePasswordFormat(t *testing.T) {
	encoded, err := MakePassword("s3cret")
	require.NoError(t, err)

	parts := strings.Split(encoded, "$")
	require.Len(t, parts, 4)
	assert.Equal(t, "pbkdf2_sha256", parts[0])
	assert.Equal(t, "600000", parts[1])
	assert.Len(t, parts[2], 22)

	raw, err := base64.StdEncoding.DecodeString(parts[3])
	require.NoError(t, err)
	assert.Len(t, raw, 32)
}

func TestMakePasswordSaltsDiffer(t *testing.T) {
	a, err := MakePassword("same")
	require.NoError(t, err)
	b, err := MakePassword("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestCheckPassword(t *testing.T) {
	encoded, err := MakePassword("correct horse")
	require.NoError(t, err)

	ok, err := CheckPassword("correct horse", encoded)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = CheckPassword("wrong horse", encoded)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckPasswordRejectsMalformedHashes(t *testing.T) {
	if _, err := CheckPassword("pw", "not-a-hash"); err == nil {
		t.Error("CheckPassword(malformed) expected error")
	}
	if _, err := CheckPassword("pw", "md5$1$salt$hash"); err == nil {
		t.Error("CheckPassword(unsupported algorithm) expected error")
	}
	if _, err := CheckPassword("pw", "pbkdf2_sha256$zero$salt$hash"); err == nil {
		t.Error("CheckPassword(bad iterations) expected error")
	}
}

func TestEnsureUserCreatesSuperuser(t *testing.T) {
	db := testutil.OpenTestDB(t)
	ctx := context.Background()

	created, err := EnsureUser(ctx, db, UserSpec{
		Username:  "AdminBGF",
		Email:     "admin@comercium.local",
		Password:  "deploy-pass",
		Staff:     true,
		Superuser: true,
	})
	require.NoError(t, err)
	assert.True(t, created)

	var row struct {
		Password    string `db:"password"`
		Email       string `db:"email"`
		IsSuperuser bool   `db:"is_superuser"`
		IsStaff     bool   `db:"is_staff"`
		IsActive    bool   `db:"is_active"`
	}
	err = db.Get(&row, db.Rebind(`SELECT password, email, is_superuser, is_staff, is_active FROM auth_user WHERE username = ?`), "AdminBGF")
	require.NoError(t, err)

	assert.Equal(t, "admin@comercium.local", row.Email)
	assert.True(t, row.IsSuperuser)
	assert.True(t, row.IsStaff)
	assert.True(t, row.IsActive)

	ok, err := CheckPassword("deploy-pass", row.Password)
	require.NoError(t, err)
	assert.True(t, ok, "stored hash must verify against the original password")
}

func TestEnsureUserIsIdempotent(t *testing.T) {
	db := testutil.OpenTestDB(t)
	ctx := context.Background()
	spec := UserSpec{Username: "AdminBGF", Email: "admin@comercium.local", Password: "first", Staff: true, Superuser: true}

	created, err := EnsureUser(ctx, db, spec)
	require.NoError(t, err)
	require.True(t, created)

	// Second run with a different password must not touch the existing row.
	spec.Password = "second"
	created, err = EnsureUser(ctx, db, spec)
	require.NoError(t, err)
	assert.False(t, created)

	assert.Equal(t, 1, testutil.CountRows(t, db, "auth_user"))

	var stored string
	require.NoError(t, db.Get(&stored, db.Rebind(`SELECT password FROM auth_user WHERE username = ?`), "AdminBGF"))
	ok, err := CheckPassword("first", stored)
	require.NoError(t, err)
	assert.True(t, ok, "original password must survive a re-run")
}

func TestEnsureUserValidation(t *testing.T) {
	db := testutil.OpenTestDB(t)
	ctx := context.Background()

	if _, err := EnsureUser(ctx, db, UserSpec{Password: "pw"}); err == nil {
		t.Error("EnsureUser without username expected error")
	}
	if _, err := EnsureUser(ctx, db, UserSpec{Username: "u"}); err == nil {
		t.Error("EnsureUser without password expected error")
	}
}

func TestUserID(t *testing.T) {
	db := testutil.OpenTestDB(t)
	ctx := context.Background()

	_, err := EnsureUser(ctx, db, UserSpec{Username: "testuser", Email: "test@example.com", Password: "test123"})
	require.NoError(t, err)

	id, err := UserID(ctx, db, "testuser")
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	_, err = UserID(ctx, db, "ghost")
	assert.Error(t, err)
}

func TestEnsureEmailAddress(t *testing.T) {
	db := testutil.OpenTestDB(t)
	ctx := context.Background()

	_, err := EnsureUser(ctx, db, UserSpec{Username: "testuser", Email: "test@example.com", Password: "test123"})
	require.NoError(t, err)
	id, err := UserID(ctx, db, "testuser")
	require.NoError(t, err)

	require.NoError(t, EnsureEmailAddress(ctx, db, id, "test@example.com"))
	require.NoError(t, EnsureEmailAddress(ctx, db, id, "test@example.com"))
	assert.Equal(t, 1, testutil.CountRows(t, db, "account_emailaddress"))

	var row struct {
		Verified bool `db:"verified"`
		Primary  bool `db:"primary"`
	}
	err = db.Get(&row, db.Rebind(`SELECT verified, "primary" FROM account_emailaddress WHERE user_id = ?`), id)
	require.NoError(t, err)
	assert.True(t, row.Verified)
	assert.True(t, row.Primary)
}

func TestDeleteUser(t *testing.T) {
	db := testutil.OpenTestDB(t)
	ctx := context.Background()

	deleted, err := DeleteUser(ctx, db, "ghost")
	require.NoError(t, err)
	assert.False(t, deleted, "missing users are not an error")

	_, err = EnsureUser(ctx, db, UserSpec{Username: "testuser", Email: "test@example.com", Password: "test123"})
	require.NoError(t, err)
	id, err := UserID(ctx, db, "testuser")
	require.NoError(t, err)
	require.NoError(t, EnsureEmailAddress(ctx, db, id, "test@example.com"))

	deleted, err = DeleteUser(ctx, db, "testuser")
	require.NoError(t, err)
	assert.True(t, deleted)

	assert.Equal(t, 0, testutil.CountRows(t, db, "auth_user"))
	assert.Equal(t, 0, testutil.CountRows(t, db, "account_emailaddress"), "email rows go with the user")
}

func TestRecreateUserResetsPassword(t *testing.T) {
	db := testutil.OpenTestDB(t)
	ctx := context.Background()
	spec := UserSpec{Username: "testuser", Email: "test@example.com", Password: "old-pass"}

	require.NoError(t, RecreateUser(ctx, db, spec))

	// Unlike EnsureUser, recreating replaces the stored credentials.
	spec.Password = "test123"
	require.NoError(t, RecreateUser(ctx, db, spec))

	assert.Equal(t, 1, testutil.CountRows(t, db, "auth_user"))
	assert.Equal(t, 1, testutil.CountRows(t, db, "account_emailaddress"))

	var stored string
	require.NoError(t, db.Get(&stored, db.Rebind(`SELECT password FROM auth_user WHERE username = ?`), "testuser"))
	ok, err := CheckPassword("test123", stored)
	require.NoError(t, err)
	assert.True(t, ok)

	var row struct {
		Verified bool `db:"verified"`
		Primary  bool `db:"primary"`
	}
	id, err := UserID(ctx, db, "testuser")
	require.NoError(t, err)
	require.NoError(t, db.Get(&row, db.Rebind(`SELECT verified, "primary" FROM account_emailaddress WHERE user_id = ?`), id))
	assert.True(t, row.Verified)
	assert.True(t, row.Primary)
}

func TestEnsureSiteCreateAndUpdate(t *testing.T) {
	db := testutil.OpenTestDB(t)
	ctx := context.Background()

	created, err := EnsureSite(ctx, db, 1, "comercium.onrender.com", "Comercium")
	require.NoError(t, err)
	assert.True(t, created)

	domain, name, err := Site(ctx, db, 1)
	require.NoError(t, err)
	assert.Equal(t, "comercium.onrender.com", domain)
	assert.Equal(t, "Comercium", name)

	// Re-pointing the same row updates in place.
	created, err = EnsureSite(ctx, db, 1, "www.comercium.shop", "Comercium")
	require.NoError(t, err)
	assert.False(t, created)

	domain, _, err = Site(ctx, db, 1)
	require.NoError(t, err)
	assert.Equal(t, "www.comercium.shop", domain)
	assert.Equal(t, 1, testutil.CountRows(t, db, "django_site"))
}
