package command

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/sergz72/smarthome-filestore/internal/acl"
	"github.com/sergz72/smarthome-filestore/internal/registry"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *acl.User, *acl.User) {
	t.Helper()
	dir, err := os.MkdirTemp("", "dispatcher-test")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	reg := registry.New(dir, 10000)
	d := New(reg)

	rw := &acl.User{ID: 1, Name: "rw-user", Grants: map[string]acl.Grant{"d": acl.GrantReadWrite}}
	ro := &acl.User{ID: 2, Name: "ro-user", Grants: map[string]acl.Grant{"d": acl.GrantRead}}
	return d, rw, ro
}

// S1: SET then GET a single key.
func TestScenarioSetThenGet(t *testing.T) {
	d, rw, _ := newTestDispatcher(t)

	setCmd := []byte{
		1,                      // opcode SET
		1, 'd',                 // db name "d"
		1, 0, 0, 0,             // expected_version = 1
		1, 0, 0, 0,             // batch count = 1
		0x2A, 0, 0, 0,          // key = 42
		3, 0, 0, 0, 'a', 'b', 'c', // value "abc"
	}
	reply, err := d.Execute(rw, setCmd)
	if err != nil {
		t.Fatalf("SET: %v", err)
	}
	if !bytes.Equal(reply, []byte{0}) {
		t.Fatalf("SET reply = %v, want [0]", reply)
	}

	getCmd := []byte{
		0,              // opcode GET
		1, 'd',         // db name "d"
		0, 0, 0, 0,     // from = 0
		0xff, 0xff, 0xff, 0xff, // to = max
	}
	reply, err = d.Execute(rw, getCmd)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	want := []byte{
		0,          // status
		2, 0, 0, 0, // db_version = 2
		1, 0, 0, 0, // count = 1
		1, 0, 0, 0, // record version = 1
		0x2A, 0, 0, 0, // key = 42
		3, 0, 0, 0, 'a', 'b', 'c',
	}
	if !bytes.Equal(reply, want) {
		t.Fatalf("GET reply = %v, want %v", reply, want)
	}
}

// S2: OCC rejection leaves prior state intact.
func TestScenarioOCCRejection(t *testing.T) {
	d, rw, _ := newTestDispatcher(t)

	setCmd := []byte{
		1, 1, 'd', 1, 0, 0, 0,
		1, 0, 0, 0,
		0x2A, 0, 0, 0,
		3, 0, 0, 0, 'a', 'b', 'c',
	}
	if _, err := d.Execute(rw, setCmd); err != nil {
		t.Fatalf("first SET: %v", err)
	}

	// Same expected_version=1 again: must fail.
	_, err := d.Execute(rw, setCmd)
	if err == nil {
		t.Fatalf("second SET with stale version succeeded")
	}

	getCmd := []byte{0, 1, 'd', 0, 0, 0, 0, 0xff, 0xff, 0xff, 0xff}
	reply, err := d.Execute(rw, getCmd)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if reply[1] != 2 {
		t.Fatalf("db_version after rejected SET = %d, want 2", reply[1])
	}
}

// S3: delete via empty value.
func TestScenarioDelete(t *testing.T) {
	d, rw, _ := newTestDispatcher(t)

	setCmd := []byte{
		1, 1, 'd', 1, 0, 0, 0,
		1, 0, 0, 0,
		0x2A, 0, 0, 0,
		3, 0, 0, 0, 'a', 'b', 'c',
	}
	if _, err := d.Execute(rw, setCmd); err != nil {
		t.Fatalf("SET: %v", err)
	}

	deleteCmd := []byte{
		1, 1, 'd', 2, 0, 0, 0,
		1, 0, 0, 0,
		0x2A, 0, 0, 0,
		0, 0, 0, 0, // empty value
	}
	reply, err := d.Execute(rw, deleteCmd)
	if err != nil {
		t.Fatalf("delete SET: %v", err)
	}
	if !bytes.Equal(reply, []byte{0}) {
		t.Fatalf("delete reply = %v, want [0]", reply)
	}

	getCmd := []byte{0, 1, 'd', 0, 0, 0, 0, 0xff, 0xff, 0xff, 0xff}
	reply, err = d.Execute(rw, getCmd)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	want := []byte{0, 3, 0, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(reply, want) {
		t.Fatalf("GET reply = %v, want %v", reply, want)
	}

	fvCmd := []byte{3, 1, 'd', 0x2A, 0, 0, 0}
	reply, err = d.Execute(rw, fvCmd)
	if err != nil {
		t.Fatalf("GET_FILE_VERSION: %v", err)
	}
	want = []byte{0, 3, 0, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(reply, want) {
		t.Fatalf("GET_FILE_VERSION reply = %v, want %v", reply, want)
	}
}

// S4: GET_LAST across a gap.
func TestScenarioGetLastGap(t *testing.T) {
	d, rw, _ := newTestDispatcher(t)

	setCmd := []byte{
		1, 1, 'd', 1, 0, 0, 0,
		3, 0, 0, 0,
		5, 0, 0, 0, 1, 0, 0, 0, 'a',
		17, 0, 0, 0, 1, 0, 0, 0, 'b',
		42, 0, 0, 0, 1, 0, 0, 0, 'c',
	}
	if _, err := d.Execute(rw, setCmd); err != nil {
		t.Fatalf("SET: %v", err)
	}

	glCmd := []byte{2, 1, 'd', 10, 0, 0, 0, 30, 0, 0, 0}
	reply, err := d.Execute(rw, glCmd)
	if err != nil {
		t.Fatalf("GET_LAST: %v", err)
	}
	if reply[5] != 1 || reply[10] != 17 {
		t.Fatalf("GET_LAST[10,30] reply = %v, want present=1 key=17", reply)
	}

	glCmd = []byte{2, 1, 'd', 100, 0, 0, 0, 200, 0, 0, 0}
	reply, err = d.Execute(rw, glCmd)
	if err != nil {
		t.Fatalf("GET_LAST: %v", err)
	}
	if reply[5] != 0 {
		t.Fatalf("GET_LAST[100,200] reply = %v, want present=0", reply)
	}
}

// S5: unknown database sentinel.
func TestScenarioUnknownDatabase(t *testing.T) {
	d, rw, _ := newTestDispatcher(t)
	rw.Grants["x"] = acl.GrantRead

	getCmd := []byte{0, 1, 'x', 0, 0, 0, 0, 0, 0, 0, 0}
	reply, err := d.Execute(rw, getCmd)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	want := []byte{0, 1, 0, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(reply, want) {
		t.Fatalf("GET(unknown) reply = %v, want %v", reply, want)
	}
}

// S6: ACL denial on write for a read-only grant.
func TestScenarioACLDenial(t *testing.T) {
	d, _, ro := newTestDispatcher(t)

	setCmd := []byte{
		1, 1, 'd', 1, 0, 0, 0,
		1, 0, 0, 0,
		0x2A, 0, 0, 0,
		3, 0, 0, 0, 'a', 'b', 'c',
	}
	_, err := d.Execute(ro, setCmd)
	if !errors.Is(err, acl.ErrAccessDenied) {
		t.Fatalf("SET by read-only user error = %v, want ErrAccessDenied", err)
	}
}

func TestInvalidOpcode(t *testing.T) {
	d, rw, _ := newTestDispatcher(t)
	_, err := d.Execute(rw, []byte{99, 1, 'd'})
	if !errors.Is(err, ErrInvalidCommand) {
		t.Fatalf("Execute() error = %v, want ErrInvalidCommand", err)
	}
}

func TestZeroLengthNameRejected(t *testing.T) {
	d, rw, _ := newTestDispatcher(t)
	_, err := d.Execute(rw, []byte{0, 0, 0, 0, 0, 0, 0, 0, 0})
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("Execute() error = %v, want ErrMalformed", err)
	}
}

func TestPathSeparatorNameRejected(t *testing.T) {
	d, rw, _ := newTestDispatcher(t)
	rw.Grants["../etc"] = acl.GrantReadWrite
	cmd := []byte{0, 6, '.', '.', '/', 'e', 't', 'c', 0, 0, 0, 0, 0, 0, 0, 0}
	_, err := d.Execute(rw, cmd)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("Execute() error = %v, want ErrMalformed", err)
	}
}
