package upload

import (
	"bytes"
	"io"
	"strconv"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
)

// ArchiveLimits bound what a binary-capable endpoint accepts from a
// recognized archive.
type ArchiveLimits struct {
	// MaxEntries caps the number of entries in a container archive.
	MaxEntries int

	// MaxRatio caps decompressed-to-compressed size. Checked
	// incrementally; the archive is never fully decompressed first.
	MaxRatio float64
}

// CheckArchive inspects an already-accepted archive part (bounded by the
// per-part byte limit) against entry-count and compression-ratio caps.
// label is the sniffed archive label from Sniff.
func CheckArchive(data []byte, label string, limits ArchiveLimits) *Rejection {
	switch label {
	case "zip":
		return checkZip(data, limits)
	case "gzip":
		return checkGzip(data, limits)
	default:
		// tar is not itself compressed; entry flood is bounded by the
		// part size cap that already ran
		return nil
	}
}

// checkZip uses central-directory metadata only: entry counts and
// declared sizes are available without inflating anything.
func checkZip(data []byte, limits ArchiveLimits) *Rejection {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return reject(ReasonInvalidEncoding, "", "unreadable zip structure")
	}
	if limits.MaxEntries > 0 && len(zr.File) > limits.MaxEntries {
		return reject(ReasonCompressionRatioSuspicious, "",
			"zip entry count "+strconv.Itoa(len(zr.File))+" exceeds cap")
	}
	if limits.MaxRatio > 0 {
		var declared uint64
		for _, f := range zr.File {
			declared += f.UncompressedSize64
			// running check so a single lying entry trips early
			if float64(declared) > limits.MaxRatio*float64(len(data)) {
				return reject(ReasonCompressionRatioSuspicious, "",
					"declared decompressed size exceeds ratio cap")
			}
		}
	}
	return nil
}

// checkGzip streams the decompressed bytes through a counter and aborts
// the moment the running ratio passes the cap.
func checkGzip(data []byte, limits ArchiveLimits) *Rejection {
	if limits.MaxRatio <= 0 {
		return nil
	}
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return reject(ReasonInvalidEncoding, "", "unreadable gzip stream")
	}
	defer gr.Close()

	budget := int64(limits.MaxRatio * float64(len(data)))
	var out int64
	buf := make([]byte, 32*1024)
	for {
		n, err := gr.Read(buf)
		out += int64(n)
		if out > budget {
			return reject(ReasonCompressionRatioSuspicious, "",
				"decompressed/compressed ratio exceeds cap")
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return reject(ReasonInvalidEncoding, "", "corrupt gzip stream")
		}
	}
}
