package voltree

import "testing"

func TestParseVolumeSpecDefaults(t *testing.T) {
	vs, err := ParseVolumeSpec("data/main.v0", 0)
	if err != nil {
		t.Fatal(err)
	}
	if vs.Name != "main" {
		t.Fatalf("Name = %q, want %q", vs.Name, "main")
	}
	if vs.PageSize != 16384 {
		t.Fatalf("PageSize = %d, want 16384", vs.PageSize)
	}
}

func TestParseVolumeSpecOptions(t *testing.T) {
	vs, err := ParseVolumeSpec("vtest,name:vtest,pageSize:4096,initialSize:1m,maximumSize:16m,create:true", 0)
	if err != nil {
		t.Fatal(err)
	}
	if vs.Name != "vtest" || vs.PageSize != 4096 {
		t.Fatalf("got %+v", vs)
	}
	if vs.InitialPages != (1<<20)/4096 {
		t.Fatalf("InitialPages = %d", vs.InitialPages)
	}
	if vs.MaximumPages != (16<<20)/4096 {
		t.Fatalf("MaximumPages = %d", vs.MaximumPages)
	}
	if !vs.Create {
		t.Fatal("Create should be true")
	}
}

func TestParseVolumeSpecRejectsBadPageSize(t *testing.T) {
	if _, err := ParseVolumeSpec("x,pageSize:3000", 0); err == nil {
		t.Fatal("expected error for unsupported page size")
	} else if !isVoltreeErr(err, KindInvalidVolumeSpec) {
		t.Fatalf("expected KindInvalidVolumeSpec, got %v", err)
	}
}

func TestParseVolumeSpecRejectsUnknownOption(t *testing.T) {
	if _, err := ParseVolumeSpec("x,bogus:1", 0); err == nil {
		t.Fatal("expected error for unknown option")
	}
}

func TestParseVolumeSpecRejectsEmptyPath(t *testing.T) {
	if _, err := ParseVolumeSpec(",name:foo", 0); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func isVoltreeErr(err error, kind ErrKind) bool {
	ve, ok := err.(*Error)
	return ok && ve.Kind == kind
}
