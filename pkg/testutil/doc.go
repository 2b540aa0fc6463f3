// Package testutil provides helpers shared by the deployd test suites.
//
// The helpers fail the calling test on error, so tests can stay focused on
// the behaviour under test:
//
//	sockets := testutil.SocketDir(t, "dtx")
//	testutil.WriteFile(t, filepath.Join(root, "usr/bin/tool"), "tool\n", 0755)
//	assert.Equal(t, "tool\n", testutil.ReadFile(t, filepath.Join(live, "usr/bin/tool")))
//
// SocketDir exists because t.TempDir paths can exceed the unix socket
// sun_path limit.
package testutil
