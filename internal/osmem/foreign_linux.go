//go:build linux

package osmem

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/jitmem/memutils"
	"golang.org/x/sys/unix"
)

// RemoteProcess is a ForeignProcess that copies bytes with process_vm_writev/process_vm_readv and
// routes mapping requests through a RemoteMapper.
type RemoteProcess struct {
	pid      int
	pageSize int
	mapper   RemoteMapper
}

var _ ForeignProcess = &RemoteProcess{}

func NewRemoteProcess(pid int, mapper RemoteMapper) *RemoteProcess {
	return &RemoteProcess{
		pid:      pid,
		pageSize: unix.Getpagesize(),
		mapper:   mapper,
	}
}

func (p *RemoteProcess) Pid() int      { return p.pid }
func (p *RemoteProcess) PageSize() int { return p.pageSize }

func (p *RemoteProcess) exited() bool {
	return errors.Is(unix.Kill(p.pid, 0), unix.ESRCH)
}

func (p *RemoteProcess) classify(err error, format string, args ...any) error {
	if errors.Is(err, unix.ESRCH) || p.exited() {
		return ProcessGone(err, format, args...)
	}
	return memutils.OutOfMemory(err, format, args...)
}

func (p *RemoteProcess) Reserve(size int) (uint64, error) {
	addr, err := p.mapper.Reserve(size)
	if err != nil {
		return 0, p.classify(err, "failed to reserve %d bytes in process %d", size, p.pid)
	}
	return addr, nil
}

func (p *RemoteProcess) Commit(addr uint64, size int, prot Protection) error {
	if prot.WritableExecutable() {
		return protectionViolation(uintptr(addr), size, prot)
	}
	err := p.mapper.Commit(addr, size, prot)
	if err != nil {
		return p.classify(err, "failed to commit [%#x, +%d) in process %d", addr, size, p.pid)
	}
	return nil
}

func (p *RemoteProcess) Protect(addr uint64, size int, prot Protection) error {
	if prot.WritableExecutable() {
		return protectionViolation(uintptr(addr), size, prot)
	}
	err := p.mapper.Protect(addr, size, prot)
	if err != nil {
		return p.classify(err, "failed to protect [%#x, +%d) in process %d", addr, size, p.pid)
	}
	return nil
}

func (p *RemoteProcess) Write(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	local := []unix.Iovec{{Base: &data[0]}}
	local[0].SetLen(len(data))
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(data)}}

	written, err := unix.ProcessVMWritev(p.pid, local, remote, 0)
	if err != nil {
		return p.classify(err, "process_vm_writev to [%#x, +%d) in process %d failed", addr, len(data), p.pid)
	}
	if written != len(data) {
		return p.classify(nil, "process_vm_writev wrote %d of %d bytes at %#x in process %d", written, len(data), addr, p.pid)
	}
	return nil
}

func (p *RemoteProcess) Read(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	local := []unix.Iovec{{Base: &data[0]}}
	local[0].SetLen(len(data))
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(data)}}

	read, err := unix.ProcessVMReadv(p.pid, local, remote, 0)
	if err != nil {
		return p.classify(err, "process_vm_readv from [%#x, +%d) in process %d failed", addr, len(data), p.pid)
	}
	if read != len(data) {
		return p.classify(nil, "process_vm_readv read %d of %d bytes at %#x in process %d", read, len(data), addr, p.pid)
	}
	return nil
}
