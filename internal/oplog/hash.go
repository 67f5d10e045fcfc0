package oplog

import "github.com/cespare/xxhash/v2"

// logFingerprint is a 128-bit fingerprint of a Log entry's
// (level, context, message), used to memoize which log lines have
// already been observed during the current run of skip_forward. Built
// from two xxhash passes over differently framed input (the second adds
// a tag byte and swaps context/message order) rather than a single
// 64-bit hash to keep the false-positive rate negligible even for
// long-running workers that emit many structurally similar log lines.
type logFingerprint struct {
	lo uint64
	hi uint64
}

func hashLogEntry(level LogLevel, context, message string) logFingerprint {
	var lo xxhash.Digest
	lo.Reset()
	_, _ = lo.Write([]byte{byte(level)})
	_, _ = lo.Write([]byte(context))
	_, _ = lo.Write([]byte(message))

	var hi xxhash.Digest
	hi.Reset()
	_, _ = hi.Write([]byte{byte(level), 0xA5})
	_, _ = hi.Write([]byte(message))
	_, _ = hi.Write([]byte(context))

	return logFingerprint{lo: lo.Sum64(), hi: hi.Sum64()}
}
