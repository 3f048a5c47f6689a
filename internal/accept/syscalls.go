package accept

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/thundergolfer-labs/telefork/internal/fdscan"
	"github.com/thundergolfer-labs/telefork/internal/memio"
	"github.com/thundergolfer-labs/telefork/internal/procmap"
	"github.com/thundergolfer-labs/telefork/internal/ptrace"
	"github.com/thundergolfer-labs/telefork/internal/telemetry"
	"github.com/thundergolfer-labs/telefork/internal/telerr"
	"github.com/thundergolfer-labs/telefork/internal/wire"
)

const hollowMmapProt = unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC

func remoteBrk(t *ptrace.Thread, loc ptrace.SyscallLoc, addr uintptr) (uintptr, error) {
	ret, err := t.RemoteSyscall(loc, unix.SYS_BRK, addr)
	if err != nil {
		return 0, &telerr.RemoteSyscallError{Nr: unix.SYS_BRK, Op: "brk", Err: err}
	}
	return ret, nil
}

func remoteMunmap(t *ptrace.Thread, loc ptrace.SyscallLoc, addr, size uintptr) (uintptr, error) {
	ret, err := t.RemoteSyscall(loc, unix.SYS_MUNMAP, addr, size)
	if err != nil {
		return 0, &telerr.RemoteSyscallError{Nr: unix.SYS_MUNMAP, Op: "munmap", Err: err}
	}
	if int(ret) != 0 {
		return ret, &telerr.RemoteSyscallError{Nr: unix.SYS_MUNMAP, Op: "munmap", Err: fmt.Errorf("non-zero return %d", ret)}
	}
	return ret, nil
}

// remoteMmapFixed maps size anonymous, private bytes at the fixed
// address addr with rwx permissions. A Mapping's original permission
// bits are intentionally not applied here.
func remoteMmapFixed(t *ptrace.Thread, loc ptrace.SyscallLoc, addr, size uintptr) (uintptr, error) {
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_FIXED
	ret, err := t.RemoteSyscall(loc, unix.SYS_MMAP, addr, size, hollowMmapProt, uintptr(flags), ^uintptr(0), 0)
	if err != nil {
		return 0, &telerr.RemoteSyscallError{Nr: unix.SYS_MMAP, Op: "mmap", Err: err}
	}
	if ret != addr {
		return ret, &telerr.RemoteSyscallError{Nr: unix.SYS_MMAP, Op: "mmap", Err: fmt.Errorf("fixed mmap at %#x returned %#x", addr, ret)}
	}
	return ret, nil
}

// remoteMmapAnon maps size anonymous, private, rwx bytes at a kernel-
// chosen address (no MAP_FIXED): letting the kernel pick avoids
// colliding with a Mapping already restored at a fixed address
// elsewhere in the victim's address space.
func remoteMmapAnon(t *ptrace.Thread, loc ptrace.SyscallLoc, size uintptr) (uintptr, error) {
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	ret, err := t.RemoteSyscall(loc, unix.SYS_MMAP, 0, size, hollowMmapProt, uintptr(flags), ^uintptr(0), 0)
	if err != nil {
		return 0, &telerr.RemoteSyscallError{Nr: unix.SYS_MMAP, Op: "mmap", Err: err}
	}
	if ret >= ^uintptr(maxErrno) {
		return ret, &telerr.RemoteSyscallError{Nr: unix.SYS_MMAP, Op: "mmap", Err: fmt.Errorf("anonymous mmap failed: errno %d", -int64(^ret)-1)}
	}
	return ret, nil
}

// maxErrno bounds the range of return values the kernel encodes as
// negative errno rather than a real address, per Linux's syscall ABI.
const maxErrno = 4095

func remoteMremap(t *ptrace.Thread, loc ptrace.SyscallLoc, oldAddr, oldSize, newSize, newAddr uintptr) (uintptr, error) {
	flags := unix.MREMAP_MAYMOVE | unix.MREMAP_FIXED
	ret, err := t.RemoteSyscall(loc, unix.SYS_MREMAP, oldAddr, oldSize, newSize, uintptr(flags), newAddr)
	if err != nil {
		return 0, &telerr.RemoteSyscallError{Nr: unix.SYS_MREMAP, Op: "mremap", Err: err}
	}
	if ret != newAddr {
		return ret, &telerr.RemoteSyscallError{Nr: unix.SYS_MREMAP, Op: "mremap", Err: fmt.Errorf("mremap to %#x returned %#x", newAddr, ret)}
	}
	return ret, nil
}

func remoteOpenReadOnly(t *ptrace.Thread, loc ptrace.SyscallLoc, scratch uintptr, path string) (uintptr, error) {
	pathBytes := append([]byte(path), 0)
	if len(pathBytes) > scratchPageSize {
		return 0, &telerr.FramingError{Reason: fmt.Sprintf("pathname %q exceeds scratch page size", path)}
	}
	if err := memio.WriteBytes(t.Pid, scratch, pathBytes); err != nil {
		return 0, err
	}
	ret, err := t.RemoteSyscall(loc, unix.SYS_OPEN, scratch, uintptr(unix.O_RDONLY))
	if err != nil {
		return 0, &telerr.RemoteSyscallError{Nr: unix.SYS_OPEN, Op: "open", Err: err}
	}
	if int(ret) < 0 {
		return ret, &telerr.RemoteSyscallError{Nr: unix.SYS_OPEN, Op: "open", Err: fmt.Errorf("open(%q) returned %d", path, int(ret))}
	}
	return ret, nil
}

func remoteDup2(t *ptrace.Thread, loc ptrace.SyscallLoc, oldfd, newfd uintptr) (uintptr, error) {
	ret, err := t.RemoteSyscall(loc, unix.SYS_DUP2, oldfd, newfd)
	if err != nil {
		return 0, &telerr.RemoteSyscallError{Nr: unix.SYS_DUP2, Op: "dup2", Err: err}
	}
	if ret != newfd {
		return ret, &telerr.RemoteSyscallError{Nr: unix.SYS_DUP2, Op: "dup2", Err: fmt.Errorf("dup2 to %d returned %d", newfd, ret)}
	}
	return ret, nil
}

func remoteLseek(t *ptrace.Thread, loc ptrace.SyscallLoc, fd, offset uintptr) (uintptr, error) {
	ret, err := t.RemoteSyscall(loc, unix.SYS_LSEEK, fd, offset, uintptr(unix.SEEK_SET))
	if err != nil {
		return 0, &telerr.RemoteSyscallError{Nr: unix.SYS_LSEEK, Op: "lseek", Err: err}
	}
	if ret != offset {
		return ret, &telerr.RemoteSyscallError{Nr: unix.SYS_LSEEK, Op: "lseek", Err: fmt.Errorf("lseek to %d returned %d", offset, ret)}
	}
	return ret, nil
}

// restoreBrk reads the victim's current break, requests the target
// break, and if the kernel's actual result overshoots the target,
// munmaps the excess. A target below the victim's current break is a
// known, faithfully-reproduced no-op: no corrective shrink is
// attempted beyond the single brk(target) call. See DESIGN.md.
func restoreBrk(t *ptrace.Thread, loc ptrace.SyscallLoc, target uint64) error {
	if _, err := remoteBrk(t, loc, 0); err != nil {
		return err
	}
	newBrk, err := remoteBrk(t, loc, uintptr(target))
	if err != nil {
		return err
	}
	if uint64(newBrk) > target {
		if _, err := remoteMunmap(t, loc, uintptr(target), newBrk-uintptr(target)); err != nil {
			log.WithError(err).Warn("failed to trim brk overshoot")
		}
	}
	return nil
}

// applyRemap relocates one of the victim's kernel-managed maps.
// Updates *loc when the relocated map is [vdso], since the syscall
// instruction's absolute address moves with it, and updates idx so a
// later Mapping can be checked against this map's new location rather
// than its pre-relocation one.
func applyRemap(t *ptrace.Thread, loc *ptrace.SyscallLoc, syscallOffset uintptr, name string, addr, size uint64, idx *procmap.Index) error {
	maps, err := procmap.ReadMaps(t.Pid)
	if err != nil {
		return err
	}
	current, ok := procmap.FindByName(maps, name)
	if !ok {
		log.WithField("name", name).Warn("remap target not found in victim, skipping")
		return nil
	}
	if uint64(current.Size()) != size {
		log.WithFields(map[string]interface{}{"name": name, "have": current.Size(), "want": size}).
			Warn("remap size mismatch, proceeding anyway")
	}
	if _, err := remoteMremap(t, *loc, current.Start, current.Size(), current.Size(), uintptr(addr)); err != nil {
		return err
	}
	if name == "[vdso]" {
		*loc = ptrace.SyscallLoc(uintptr(addr) + syscallOffset)
	}
	idx.Delete(current.Start)
	idx.Insert(procmap.MapRange{Start: uintptr(addr), End: uintptr(addr) + uintptr(current.Size()), Pathname: name})
	return nil
}

// applyMapping creates the fixed-address region described by h and
// streams its contents in from r. Before placing it, checks idx for a
// surviving kernel-managed region still occupying h's fixed address:
// a hit means the Remap that should have relocated it away either
// never arrived or arrived too late, violating the required command
// ordering, so the mapping is refused rather than silently clobbering
// it with MAP_FIXED.
func applyMapping(t *ptrace.Thread, loc ptrace.SyscallLoc, h wire.MappingHeader, in *wire.Reader, idx *procmap.Index) error {
	if blocking, hit := idx.Overlaps(uintptr(h.Addr), uintptr(h.Size)); hit {
		return &telerr.FramingError{Reason: fmt.Sprintf(
			"mapping %#x+%#x collides with %q still occupying that range, required ordering was violated",
			h.Addr, h.Size, blocking.Pathname)}
	}
	if _, err := remoteMmapFixed(t, loc, uintptr(h.Addr), uintptr(h.Size)); err != nil {
		return err
	}
	if _, err := memio.StreamIn(t.Pid, uintptr(h.Addr), uintptr(h.Size), in.Raw()); err != nil {
		return err
	}
	idx.Insert(procmap.MapRange{
		Start:      uintptr(h.Addr),
		End:        uintptr(h.Addr) + uintptr(h.Size),
		Readable:   h.Readable,
		Writable:   h.Writable,
		Executable: h.Executable,
		Pathname:   h.Pathname,
	})
	telemetry.MappingsRestored.Inc()
	return nil
}

// applyFileDescriptors reopens RegularFile and Directory entries in
// the victim; Socket and Invalid entries are advisory-warned and
// skipped, Standard entries require no action.
func applyFileDescriptors(t *ptrace.Thread, loc ptrace.SyscallLoc, cm fdscan.ConnectionMap) {
	scratch, err := remoteMmapAnon(t, loc, scratchPageSize)
	if err != nil {
		log.WithError(err).Warn("failed to allocate scratch page for descriptor restore")
		return
	}
	defer func() {
		if _, err := remoteMunmap(t, loc, scratch, scratchPageSize); err != nil {
			log.WithError(err).Warn("failed to free descriptor-restore scratch page")
		}
	}()

	for fd, d := range cm {
		switch d.Kind {
		case fdscan.KindRegularFile, fdscan.KindDirectory:
			offset := d.Offset
			if d.Kind == fdscan.KindDirectory {
				offset = 0
			}
			opened, err := remoteOpenReadOnly(t, loc, scratch, d.Pathname)
			if err != nil {
				log.WithError(err).WithField("fd", fd).Warn("failed to reopen descriptor")
				continue
			}
			if _, err := remoteDup2(t, loc, opened, uintptr(fd)); err != nil {
				log.WithError(err).WithField("fd", fd).Warn("failed to dup2 reopened descriptor into place")
				continue
			}
			if _, err := remoteLseek(t, loc, uintptr(fd), uintptr(offset)); err != nil {
				log.WithError(err).WithField("fd", fd).Warn("failed to restore seek offset")
			}
		case fdscan.KindSocket, fdscan.KindInvalid:
			log.WithField("fd", fd).WithField("kind", d.Kind).Warn("skipping unrestorable descriptor")
		case fdscan.KindStandard:
			// Inherited from the acceptor's own fork; no action needed.
		}
	}
}

// applyResume decodes the terminal register bundle, overwrites the
// syscall-return register with passToChild, applies it to the victim,
// and lets the caller proceed to the detach warm-up.
func applyResume(t *ptrace.Thread, buf []byte, passToChild int32) error {
	regs, err := ptrace.DecodeRegs(buf)
	if err != nil {
		return err
	}
	regs.Rax = uint64(uint32(passToChild))
	return t.SetRegs(regs)
}
