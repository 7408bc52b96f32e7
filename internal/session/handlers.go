package session

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"pkt.systems/xferd/internal/protocol"
)

const defaultHash = "MD5"

var hashAlgorithms = []struct {
	name string
	new  func() hash.Hash
}{
	{"MD5", md5.New},
	{"SHA-1", sha1.New},
	{"SHA-256", sha256.New},
	{"SHA-512", sha512.New},
}

func newHash(name string) (hash.Hash, bool) {
	for _, a := range hashAlgorithms {
		if a.name == name {
			return a.new(), true
		}
	}
	return nil, false
}

var features = []string{
	"PASV", "EPSV",
	"RANG STREAM", "REST STREAM",
	"MFMT", "MFF", "MLSD", "APPE",
	"KEEP-ALIVE", "ARCHIVE",
	"RESTRICTED_SESSION", "DPC2_LOGIN_OK",
}

const replyNotAccessible = "500 Directory/file does not exist or cannot be accessed!"

func (s *Session) handle(ctx context.Context, cmd Command, arg string) (Action, error) {
	switch cmd {
	case CmdBye, CmdQuit:
		s.closeData()
		return End, nil
	case CmdSyst:
		s.reply(protocol.ReplySystem)
	case CmdFeat:
		s.feat()
	case CmdNoop:
		s.noop(arg)
	case CmdPwd:
		s.replyf(`257 "%s"`, s.paths.current)
	case CmdCwd:
		return Continue, s.cwd(arg)
	case CmdCdup:
		s.cdup()
	case CmdMkd:
		return Continue, s.mkd(arg)
	case CmdDele:
		return Continue, s.remove(arg, false)
	case CmdRmd:
		return Continue, s.remove(arg, true)
	case CmdRnfr:
		return Continue, s.renameFromPath(arg)
	case CmdRnto:
		return Continue, s.renameTo(arg)
	case CmdPasv:
		return s.addDataConnection(ctx, false)
	case CmdEpsv:
		return s.addDataConnection(ctx, true)
	case CmdList:
		return s.list(arg)
	case CmdMlsd:
		return s.mlsd(arg)
	case CmdStat:
		return Continue, s.stat(arg)
	case CmdMlst:
		return Continue, s.mlst(arg)
	case CmdSize:
		return Continue, s.size(arg)
	case CmdRang:
		s.rang(arg)
	case CmdRest:
		s.rest(arg)
	case CmdRetr:
		return s.retr(arg)
	case CmdAllo:
		return Continue, s.allo(arg)
	case CmdStor:
		return s.stor(arg)
	case CmdAppe:
		return s.appe(arg)
	case CmdMfmt:
		return Continue, s.mfmt(arg)
	case CmdMff:
		return Continue, s.mff(arg)
	case CmdType:
		switch strings.TrimSpace(arg) {
		case "ARCHIVE":
			s.archive = true
		case "NORMAL":
			s.archive = false
		}
		s.reply("200 OK")
	case CmdKeepAlive:
		switch strings.ToLower(strings.TrimSpace(arg)) {
		case "true", "yes", "1", "on":
			s.keepAlive = true
		default:
			s.keepAlive = false
		}
		s.reply("200 OK")
	case CmdOpts:
		s.opts(arg)
	case CmdHash:
		return s.hash(arg)
	case CmdSyncToClient:
		return s.syncRequest(arg, false)
	case CmdSyncToServer:
		return s.syncRequest(arg, true)
	case CmdSendFile, CmdReceiveFile:
		return Continue, s.startRelay(ctx, cmd, arg)
	case CmdRcpStatus:
		s.reply("200 " + s.relay.Status())
	case CmdRcpAbort:
		if s.relay != nil {
			s.relay.Abort()
		}
		s.reply("200 OK")
	case CmdAbor:
		s.abortData()
		s.rng.reset()
		s.reply("226 Abort successful")
	}
	return Continue, nil
}

func (s *Session) feat() {
	s.reply("211-Features:")
	for _, f := range features {
		s.reply(" " + f)
	}
	if !s.cfg.LegacyRange {
		s.reply(" RFC_RANG")
	}
	var b strings.Builder
	b.WriteString(" HASH ")
	for i, a := range hashAlgorithms {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(a.name)
		if a.name == s.hashAlgo {
			b.WriteByte('*')
		}
	}
	s.reply(b.String())
	s.reply("211 END")
}

func (s *Session) noop(arg string) {
	n, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil {
		s.reply("200 OK")
		return
	}
	if n < 1 {
		n = 1
	}
	if n <= s.maxStreams {
		s.numStreams = n
		s.replyf("222 Opening %d data connections", n)
		return
	}
	s.numStreams = s.maxStreams
	s.replyf("223 Opening %d data connections", s.maxStreams)
}

func (s *Session) cwd(arg string) error {
	p, err := s.paths.resolveChecked(arg)
	if err != nil {
		return err
	}
	st, err := os.Stat(p)
	if err != nil {
		return err
	}
	if !st.IsDir() {
		return fmt.Errorf("not a directory: %s", p)
	}
	s.paths.current = p
	s.reply("200 OK")
	return nil
}

func (s *Session) cdup() {
	if s.paths.current == s.paths.base {
		s.reply("500 Can't cd up, already at base directory")
		return
	}
	s.paths.current = filepath.Dir(s.paths.current)
	s.reply("200 OK")
}

func (s *Session) mkd(arg string) error {
	p, err := s.paths.resolve(arg)
	if err != nil {
		return err
	}
	if err := s.paths.check(p); err != nil {
		s.replyf("500 Can't create directory: %v", err)
		return nil
	}
	if err := os.Mkdir(p, 0o755); err != nil {
		s.replyf("500 Can't create directory: %v", err)
		return nil
	}
	s.replyf(`257 "%s" directory created`, p)
	return nil
}

func (s *Session) remove(arg string, dir bool) error {
	p, err := s.paths.resolve(arg)
	if err != nil {
		return err
	}
	err = s.paths.check(p)
	if err == nil {
		var st os.FileInfo
		st, err = os.Lstat(p)
		switch {
		case err != nil:
		case dir && !st.IsDir():
			err = fmt.Errorf("not a directory: %s", p)
		case !dir && st.IsDir():
			err = fmt.Errorf("is a directory: %s", p)
		default:
			err = os.Remove(p)
		}
	}
	if err != nil {
		s.replyf("500 Can't remove path: %v", err)
		return nil
	}
	s.reply("200 OK")
	return nil
}

func (s *Session) renameFromPath(arg string) error {
	p, err := s.paths.resolve(arg)
	if err != nil {
		return err
	}
	if err := s.paths.check(p); err != nil {
		s.replyf("500 Can't rename from: %v", err)
		return nil
	}
	s.renameFrom = p
	s.reply("350 File action OK Please send rename-to")
	return nil
}

func (s *Session) renameTo(arg string) error {
	p, err := s.paths.resolve(arg)
	if err != nil {
		return err
	}
	if err = s.paths.check(p); err == nil {
		err = os.Rename(s.renameFrom, p)
	}
	if err != nil {
		s.replyf("500 Can't rename to: %v", err)
		return nil
	}
	s.renameFrom = ""
	s.reply("200 OK")
	return nil
}

func pathArg(arg string) string {
	if arg = strings.TrimSpace(arg); arg == "" {
		return "."
	}
	return arg
}

func (s *Session) list(arg string) (Action, error) {
	arg = pathArg(arg)
	long := false
	if arg == "-a" {
		arg, long = ".", true
	}
	p, err := s.paths.resolve(arg)
	if err != nil {
		return Continue, err
	}
	format := func(f fileInfo) string { return f.simple() }
	if long {
		now := s.clock.Now()
		format = func(f fileInfo) string { return f.long(now) }
	}
	return s.sendListing(p, format)
}

func (s *Session) mlsd(arg string) (Action, error) {
	p, err := s.paths.resolve(pathArg(arg))
	if err != nil {
		return Continue, err
	}
	return s.sendListing(p, fileInfo.mlist)
}

// sendListing writes one line per directory entry to the data channel.
// Entries that cannot be examined are skipped.
func (s *Session) sendListing(dir string, format func(fileInfo) string) (Action, error) {
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		s.reply("500 Directory does not exist.")
		return CloseData, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		s.replyf("500 Error listing <%s>: %v", dir, err)
		return CloseData, nil
	}
	ch, err := s.requireData()
	if err != nil {
		return CloseData, err
	}
	s.reply("150 OK")
	var b strings.Builder
	for _, e := range entries {
		fi, err := statPath(filepath.Join(dir, e.Name()))
		if err != nil {
			s.logger.Debug("session.list.skip", "entry", e.Name(), "error", err)
			continue
		}
		b.WriteString(format(fi))
		b.WriteByte('\n')
	}
	if _, err := ch.Write([]byte(b.String())); err != nil {
		s.abortData()
		return Continue, fmt.Errorf("sending listing: %w", err)
	}
	s.postTransfer(true)
	return CloseData, nil
}

func (s *Session) stat(arg string) error {
	flag, rest, _ := strings.Cut(strings.TrimSpace(arg), " ")
	asFile := flag != "N"
	p, err := s.paths.resolve(pathArg(rest))
	if err != nil {
		return err
	}
	fi, err := statPath(p)
	if err != nil {
		s.reply(replyNotAccessible)
		return nil
	}
	list := []fileInfo{fi}
	if !asFile && fi.fi.IsDir() {
		entries, err := os.ReadDir(p)
		if err != nil {
			return err
		}
		list = list[:0]
		for _, e := range entries {
			if f, err := statPath(filepath.Join(p, e.Name())); err == nil {
				list = append(list, f)
			}
		}
	}
	s.reply("211- Sending file list")
	for _, f := range list {
		s.reply(" " + f.simple())
	}
	s.reply("211 End of file list")
	return nil
}

func (s *Session) mlst(arg string) error {
	p, err := s.paths.resolve(pathArg(arg))
	if err != nil {
		return err
	}
	fi, err := statPath(p)
	if err != nil {
		s.reply(replyNotAccessible)
		return nil
	}
	s.replyf("250- Listing %s", p)
	s.reply(" " + fi.mlist())
	s.reply("250 End")
	return nil
}

func (s *Session) size(arg string) error {
	p, err := s.paths.resolve(arg)
	if err != nil {
		return err
	}
	fi, err := statPath(p)
	if err != nil {
		s.reply(replyNotAccessible)
		return nil
	}
	s.replyf("213 %d", fi.fi.Size())
	return nil
}

func (s *Session) rang(arg string) {
	fields := strings.Fields(arg)
	var first, last int64
	var err error
	if len(fields) < 2 {
		err = ErrSyntax
	} else if first, err = strconv.ParseInt(fields[0], 10, 64); err == nil {
		last, err = strconv.ParseInt(fields[1], 10, 64)
	}
	if err != nil || first < 0 {
		s.reply("500 RANG argument syntax error")
		return
	}
	if first == 1 && last == 0 {
		s.rng.reset()
		s.reply("350 Resetting range")
		return
	}
	if last < first {
		s.reply("500 RANG argument syntax error")
		return
	}
	length := last - first + 1
	if s.cfg.LegacyRange {
		length--
	}
	s.rng.set(first, length)
	s.replyf("350 Restarting at %d. End byte range at %d", first, last)
}

func (s *Session) rest(arg string) {
	n, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil || n < 0 {
		s.reply("500 REST argument syntax error")
		return
	}
	s.rng.active = false
	s.rng.offset = n
	s.replyf("350 Restarting at %d.", n)
}

// readable resolves arg for RETR, HASH and SYNC-TO-CLIENT and fixes the byte
// count of the transfer. It returns the size announced to the client, or ok
// false after replying that the file is not accessible.
func (s *Session) readable(arg string) (size int64, ok bool, err error) {
	p, err := s.paths.resolveChecked(arg)
	if err != nil {
		return 0, false, err
	}
	fi, err := statPath(p)
	if err != nil || fi.fi.IsDir() || !canRead(p) {
		s.reply(replyNotAccessible)
		return 0, false, nil
	}
	if s.rng.active {
		size = s.rng.length
	} else {
		size = fi.fi.Size()
		s.rng.length = max(0, size-s.rng.offset)
	}
	s.filePath = p
	return size, true, nil
}

func (s *Session) retr(arg string) (Action, error) {
	size, ok, err := s.readable(arg)
	if err != nil || !ok {
		return Continue, err
	}
	if _, err := s.requireData(); err != nil {
		return Continue, err
	}
	s.replyf("150 OK %d bytes available for reading.", size)
	return Retrieve, nil
}

func (s *Session) allo(arg string) error {
	n, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil || n < 0 {
		return fmt.Errorf("%w: ALLO %q", ErrSyntax, arg)
	}
	if !s.rng.active {
		s.rng.length = n
	}
	s.replyf("200 OK Will read up to %d bytes from data connection.", n)
	return nil
}

func (s *Session) stor(arg string) (Action, error) {
	p, err := s.paths.resolveChecked(arg)
	if err != nil {
		return Continue, err
	}
	if _, err := s.requireData(); err != nil {
		return Continue, err
	}
	if s.archive {
		if err := os.MkdirAll(p, 0o755); err != nil {
			return Continue, err
		}
	} else if err := touch(p); err != nil {
		return Continue, err
	}
	s.filePath = p
	s.appendMode = false
	s.reply("150 OK")
	return Store, nil
}

func (s *Session) appe(arg string) (Action, error) {
	p, err := s.paths.resolveChecked(arg)
	if err != nil {
		return Continue, err
	}
	st, err := os.Stat(p)
	if err != nil || st.IsDir() {
		s.reply("500 Target file does not exist / is not readable")
		return Continue, nil
	}
	if _, err := s.requireData(); err != nil {
		return Continue, err
	}
	s.rng.offset = st.Size()
	s.filePath = p
	s.appendMode = true
	s.reply("150 OK")
	return Store, nil
}

func touch(p string) error {
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	now := time.Now()
	return os.Chtimes(p, now, now)
}

func (s *Session) mfmt(arg string) error {
	stamp, target, ok := strings.Cut(strings.TrimSpace(arg), " ")
	if !ok {
		return fmt.Errorf("%w: MFMT %q", ErrSyntax, arg)
	}
	p, err := s.paths.resolveChecked(target)
	if err != nil {
		return err
	}
	mtime, err := time.ParseInLocation(mfmtLayout, stamp, time.Local)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	if err := os.Chtimes(p, mtime, mtime); err != nil {
		return err
	}
	s.replyf("213 Modify=%s %s", stamp, target)
	return nil
}

// mff applies "modify=<ts>;unix.mode=<octal>;" facts to a path.
func (s *Session) mff(arg string) error {
	facts, target, ok := strings.Cut(strings.TrimSpace(arg), " ")
	if !ok {
		return fmt.Errorf("%w: MFF %q", ErrSyntax, arg)
	}
	p, err := s.paths.resolveChecked(target)
	if err != nil {
		return err
	}
	for _, fact := range strings.Split(facts, ";") {
		key, value, ok := strings.Cut(fact, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(key) {
		case "modify":
			mtime, err := time.ParseInLocation(mfmtLayout, value, time.Local)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrSyntax, err)
			}
			if err := os.Chtimes(p, mtime, mtime); err != nil {
				return err
			}
		case "unix.mode":
			mode, err := strconv.ParseUint(value, 8, 32)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrSyntax, err)
			}
			if err := os.Chmod(p, os.FileMode(mode)&os.ModePerm); err != nil {
				return err
			}
		}
	}
	s.replyf("213 %s %s", facts, target)
	return nil
}

func (s *Session) opts(arg string) {
	fields := strings.Fields(arg)
	if len(fields) == 0 || strings.ToUpper(fields[0]) != "HASH" {
		s.reply("500 OPTS command not understood")
		return
	}
	if len(fields) > 1 {
		algo := strings.ToUpper(fields[1])
		if _, ok := newHash(algo); !ok {
			s.replyf("500 Unsupported hash algorithm '%s'", algo)
			return
		}
		s.hashAlgo = algo
	}
	s.reply("200 " + s.hashAlgo)
}

func (s *Session) hash(arg string) (Action, error) {
	_, ok, err := s.readable(arg)
	if err != nil || !ok {
		return Continue, err
	}
	return SendHash, nil
}

func (s *Session) syncRequest(arg string, toServer bool) (Action, error) {
	if _, err := s.requireData(); err != nil {
		return Continue, err
	}
	if s.settings.Layered() {
		s.reply("500 Sync requires an unencrypted, uncompressed data channel")
		return Continue, nil
	}
	if !toServer {
		if _, ok, err := s.readable(arg); err != nil || !ok {
			return Continue, err
		}
		s.reply("200 OK")
		return SyncToClient, nil
	}
	p, err := s.paths.resolveChecked(arg)
	if err != nil {
		return Continue, err
	}
	if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
		if err := touch(p); err != nil {
			return Continue, err
		}
	}
	s.filePath = p
	s.reply("200 OK")
	return SyncToServer, nil
}

// postTransfer resets the range and optionally confirms the transfer.
func (s *Session) postTransfer(confirm bool) {
	s.rng.reset()
	if confirm {
		s.reply("226 File transfer successful")
	}
}
