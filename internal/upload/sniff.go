package upload

import (
	"bytes"
	"math"

	"github.com/gabriel-vasile/mimetype"
)

// SniffKind classifies a byte prefix by its magic bytes.
type SniffKind int

const (
	SniffOther SniffKind = iota
	SniffArchive
	SniffExecutable
)

// signature is a fixed byte pattern at a fixed offset.
type signature struct {
	kind   SniffKind
	label  string
	offset int
	magic  []byte
}

var signatures = []signature{
	// archives
	{SniffArchive, "zip", 0, []byte{'P', 'K', 0x03, 0x04}},
	{SniffArchive, "zip", 0, []byte{'P', 'K', 0x05, 0x06}}, // empty archive
	{SniffArchive, "zip", 0, []byte{'P', 'K', 0x07, 0x08}}, // spanned archive
	{SniffArchive, "gzip", 0, []byte{0x1f, 0x8b}},
	{SniffArchive, "tar", 257, []byte("ustar")},

	// executables
	{SniffExecutable, "elf", 0, []byte{0x7f, 'E', 'L', 'F'}},
	{SniffExecutable, "pe", 0, []byte{'M', 'Z'}},
	{SniffExecutable, "macho", 0, []byte{0xfe, 0xed, 0xfa, 0xce}},
	{SniffExecutable, "macho", 0, []byte{0xfe, 0xed, 0xfa, 0xcf}},
	{SniffExecutable, "macho", 0, []byte{0xce, 0xfa, 0xed, 0xfe}},
	{SniffExecutable, "macho", 0, []byte{0xcf, 0xfa, 0xed, 0xfe}},
	// CAFEBABE covers both Java class files and Mach-O fat binaries;
	// either way it is not text
	{SniffExecutable, "java_class", 0, []byte{0xca, 0xfe, 0xba, 0xbe}},

	// ISO-BMFF/MP4: size box first, "ftyp" at offset 4
	{SniffExecutable, "iso_bmff", 4, []byte("ftyp")},
}

// Sniff inspects a bounded prefix and reports the first matching fixed
// signature, falling back to library detection for the descriptor's
// sniffed type label.
func Sniff(prefix []byte) (SniffKind, string) {
	for _, sig := range signatures {
		end := sig.offset + len(sig.magic)
		if len(prefix) < end {
			continue
		}
		if bytes.Equal(prefix[sig.offset:end], sig.magic) {
			return sig.kind, sig.label
		}
	}
	mt := mimetype.Detect(prefix)
	switch {
	case mt.Is("application/zip"), mt.Is("application/gzip"), mt.Is("application/x-tar"):
		return SniffArchive, mt.String()
	case mt.Is("application/x-executable"), mt.Is("application/vnd.microsoft.portable-executable"),
		mt.Is("application/x-mach-binary"), mt.Is("application/x-elf"):
		return SniffExecutable, mt.String()
	}
	return SniffOther, mt.String()
}

const (
	masqueradeMinPrintable = 0.70
	masqueradeMaxEntropy   = 7.2 // bits per byte over the sampled prefix
)

// LooksBinary is the masquerade heuristic for parts declared as text:
// null bytes, a low printable ratio, or near-random entropy over a
// bounded prefix flag content that has no specific known signature but
// is clearly not text. Callers must cap prefix regardless of the
// declared part length.
func LooksBinary(prefix []byte) (bool, string) {
	if len(prefix) == 0 {
		return false, ""
	}
	printable := 0
	for _, b := range prefix {
		if b == 0x00 {
			return true, "null_byte"
		}
		if b >= 0x20 && b < 0x7f || b == '\n' || b == '\r' || b == '\t' || b >= 0x80 {
			// bytes >= 0x80 may be multibyte UTF-8; the strict decode
			// pass catches invalid sequences separately
			printable++
		}
	}
	ratio := float64(printable) / float64(len(prefix))
	if ratio < masqueradeMinPrintable {
		return true, "low_printable_ratio"
	}
	if len(prefix) >= 64 && prefixEntropy(prefix) > masqueradeMaxEntropy {
		return true, "high_entropy"
	}
	return false, ""
}

func prefixEntropy(p []byte) float64 {
	var counts [256]int
	for _, b := range p {
		counts[b]++
	}
	total := float64(len(p))
	var h float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		f := float64(c) / total
		h -= f * math.Log2(f)
	}
	return h
}
