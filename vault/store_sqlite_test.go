package vault

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "vault.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreSealedRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	row := sealedRow{IVB64: "aXY=", CTB64: "Y3Q=", ExpiresAt: 12345}
	if err := s.PutSealed(ctx, storeMasterKey, "acct", row); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, found, err := s.GetSealed(ctx, storeMasterKey, "acct")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if got != row {
		t.Fatalf("got %+v, want %+v", got, row)
	}

	// Upsert replaces in place.
	row.CTB64 = "bmV3"
	if err := s.PutSealed(ctx, storeMasterKey, "acct", row); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, _, _ = s.GetSealed(ctx, storeMasterKey, "acct")
	if got.CTB64 != "bmV3" {
		t.Fatal("upsert did not replace")
	}

	// Stores are independent dimensions of the same account.
	if _, found, _ := s.GetSealed(ctx, storePassphrase, "acct"); found {
		t.Fatal("row leaked across stores")
	}

	if err := s.DeleteSealed(ctx, storeMasterKey, "acct"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, found, _ := s.GetSealed(ctx, storeMasterKey, "acct"); found {
		t.Fatal("row survived delete")
	}
}

func TestStorePurgeAccount(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for _, name := range []string{storeMasterKey, storePassphrase} {
		if err := s.PutSealed(ctx, name, "acct", sealedRow{IVB64: "aXY=", CTB64: "Y3Q=", ExpiresAt: 1}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if err := s.PutSealed(ctx, storeMasterKey, "other", sealedRow{IVB64: "aXY=", CTB64: "Y3Q=", ExpiresAt: 1}); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := s.PurgeAccount(ctx, "acct"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	for _, name := range []string{storeMasterKey, storePassphrase} {
		if _, found, _ := s.GetSealed(ctx, name, "acct"); found {
			t.Fatalf("%s row survived purge", name)
		}
	}
	if _, found, _ := s.GetSealed(ctx, storeMasterKey, "other"); !found {
		t.Fatal("purge crossed account boundary")
	}
}

func TestStoreDeviceKeyRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	kd := KeyData{
		MasterKeyWrapped: "d3JhcHBlZA==",
		Salt:             "c2FsdA==",
		IV:               "aXY=",
		KDFIterations:    MinIterations,
		WrapAlgorithm:    string(AlgAESGCM),
	}
	if err := s.PutDeviceKey(ctx, "acct", kd); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, found, err := s.GetDeviceKey(ctx, "acct")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if got != kd {
		t.Fatalf("got %+v, want %+v", got, kd)
	}

	if err := s.DeleteDeviceKey(ctx, "acct"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, found, _ := s.GetDeviceKey(ctx, "acct"); found {
		t.Fatal("device key survived delete")
	}
}

func TestStoreState(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	v, err := s.GetState(ctx, "schema", "v1")
	if err != nil || v != "v1" {
		t.Fatalf("default: %q err %v", v, err)
	}
	if err := s.SetState(ctx, "schema", "v2"); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, err = s.GetState(ctx, "schema", "v1")
	if err != nil || v != "v2" {
		t.Fatalf("get: %q err %v", v, err)
	}
}
