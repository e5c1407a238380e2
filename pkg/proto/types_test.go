package proto

import "testing"

func TestIdentityKeyStableAndTypeScoped(t *testing.T) {
	a := ServiceIdentity{Name: "temperature", TypeSignature: "f64"}
	b := ServiceIdentity{Name: "temperature", TypeSignature: "f64"}
	c := ServiceIdentity{Name: "temperature", TypeSignature: "u32"}

	if a.Key() != b.Key() {
		t.Fatalf("equal identities should share a key: %s vs %s", a.Key(), b.Key())
	}
	if a.Key() == c.Key() {
		t.Fatalf("different type signatures must not share a key: %s", a.Key())
	}
	if !a.Equal(b) || a.Equal(c) {
		t.Fatalf("identity equality should be exact name+type match")
	}
}

func TestResolveTypeClass(t *testing.T) {
	cases := []struct {
		sig  string
		want TypeClass
	}{
		{"u8", ClassU8},
		{"uint16_t", ClassU16},
		{"[u32; 4]", ClassU32},
		{"double", ClassU64},
		{"F64", ClassU64},
		{"struct Imu { ... }", ClassBytes},
		{"", ClassBytes},
	}
	for _, tc := range cases {
		if got := ResolveTypeClass(tc.sig); got != tc.want {
			t.Fatalf("ResolveTypeClass(%q) = %s, want %s", tc.sig, got, tc.want)
		}
	}
}

func TestTypeClassStride(t *testing.T) {
	if ClassBytes.Stride() != 1 || ClassU8.Stride() != 1 {
		t.Fatalf("byte-wide classes must have stride 1")
	}
	if ClassU16.Stride() != 2 || ClassU32.Stride() != 4 || ClassU64.Stride() != 8 {
		t.Fatalf("unexpected stride for fixed-width class")
	}
}

func TestAnnouncementOrigin(t *testing.T) {
	local := Announcement{Identity: ServiceIdentity{Name: "a"}}
	if local.Origin() != OriginLocal {
		t.Fatalf("announcement without peer id should be local, got %q", local.Origin())
	}
	remote := Announcement{Identity: ServiceIdentity{Name: "a"}, PeerID: "host-b"}
	if remote.Origin() != "host-b" {
		t.Fatalf("unexpected remote origin %q", remote.Origin())
	}
}
