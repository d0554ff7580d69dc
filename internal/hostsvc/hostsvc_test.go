package hostsvc_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nyxgpt/sdmigrate/internal/hostsvc"
	"github.com/nyxgpt/sdmigrate/internal/migerr"
)

type fakeExec struct {
	output   []byte
	exitCode int
	err      error
	lastArgs []string
}

func (f *fakeExec) Run(ctx context.Context, name string, args ...string) ([]byte, int, error) {
	f.lastArgs = append([]string{name}, args...)
	return f.output, f.exitCode, f.err
}

func TestFormatterSuccessOnZeroExit(t *testing.T) {
	exec := &fakeExec{exitCode: 0}
	f := hostsvc.Formatter{Exec: exec}
	require.NoError(t, f.Format(context.Background(), "/mnt/x", 128))
	require.Contains(t, exec.lastArgs, "128")
}

func TestFormatterFailsOnNonzeroExit(t *testing.T) {
	exec := &fakeExec{exitCode: 1, output: []byte("bad superblock")}
	f := hostsvc.Formatter{Exec: exec}
	err := f.Format(context.Background(), "/mnt/x", 128)
	var subErr *migerr.SubprocessFailure
	require.ErrorAs(t, err, &subErr)
}

func TestTreeCopierTreatsExitBelowEightAsSuccess(t *testing.T) {
	exec := &fakeExec{exitCode: 7}
	c := hostsvc.TreeCopier{Exec: exec}
	require.NoError(t, c.Copy(context.Background(), "/src", "/dst"))
}

func TestTreeCopierFailsAtExitEight(t *testing.T) {
	exec := &fakeExec{exitCode: 8}
	c := hostsvc.TreeCopier{Exec: exec}
	err := c.Copy(context.Background(), "/src", "/dst")
	require.Error(t, err)
}

func TestTableRefresherDelegatesCommand(t *testing.T) {
	exec := &fakeExec{exitCode: 0}
	r := hostsvc.TableRefresher{Exec: exec}
	require.NoError(t, r.Refresh(context.Background(), "/dev/sdx"))
	require.Equal(t, []string{"partprobe", "/dev/sdx"}, exec.lastArgs)
}
