package vfs

import "testing"

func TestFindRoot(t *testing.T) {
	fs := New()
	if fs.Find("/") != fs.Root() {
		t.Fatal("Find(/) did not return the root")
	}
	if fs.Find("") != nil {
		t.Fatal("Find(\"\") should return nil")
	}
}

func TestMkdirAndFindWithTrailingSlash(t *testing.T) {
	fs := New()
	x, err := fs.Mkdir(fs.Root(), "x")
	if err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	if fs.Find("/x") != x {
		t.Fatal("Find(/x) did not return the created inode")
	}
	if fs.Find("/x/") != x {
		t.Fatal("Find(/x/) with trailing slash did not return the same inode")
	}
}

func TestMkdirDuplicateRejected(t *testing.T) {
	fs := New()
	if _, err := fs.Mkdir(fs.Root(), "a"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if _, err := fs.Mkdir(fs.Root(), "a"); err == nil {
		t.Fatal("expected duplicate mkdir to fail")
	}
}

func TestNestedMkdirAndFind(t *testing.T) {
	fs := New()
	a, _ := fs.Mkdir(fs.Root(), "a")
	b, err := fs.Mkdir(a, "b")
	if err != nil {
		t.Fatalf("Mkdir nested: %v", err)
	}
	if fs.Find("/a/b") != b {
		t.Fatal("Find(/a/b) mismatch")
	}
	if fs.Find("/a/missing") != nil {
		t.Fatal("expected miss for /a/missing")
	}
	if fs.Find("/missing/b") != nil {
		t.Fatal("expected miss through missing intermediate component")
	}
}

func TestUmountThenFindReturnsNil(t *testing.T) {
	fs := New()
	a, _ := fs.Mkdir(fs.Root(), "a")
	_, _ = fs.Mkdir(a, "b")

	if err := fs.Umount(a); err != nil {
		t.Fatalf("Umount: %v", err)
	}
	if fs.Find("/a") != nil {
		t.Fatal("expected /a to be gone after umount")
	}
}

func TestFilename(t *testing.T) {
	cases := map[string]string{
		"/a/b/c":  "c",
		"/a/b/c/": "c",
		"/a":      "a",
		"/":       "",
	}
	for in, want := range cases {
		if got := Filename(in); got != want {
			t.Errorf("Filename(%q) = %q, want %q", in, got, want)
		}
	}
}
