package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
	"github.com/spf13/cobra"

	"github.com/meigma/sar"
)

// textExtensions are stored as strings in a dump rather than base64.
var textExtensions = map[string]bool{
	".json": true,
	".txt":  true,
	".csv":  true,
	".xml":  true,
	".html": true,
	".ini":  true,
	".lua":  true,
	".fx":   true,
}

type dumpIdentity struct {
	SizeInBytes int64  `json:"SizeInBytes"`
	Timestamp   int64  `json:"Timestamp"`
	Digest      string `json:"Digest"`
}

type dumpHeader struct {
	Version         uint32 `json:"Version"`
	TotalSize       uint64 `json:"TotalSize"`
	TableOffset     uint64 `json:"TableOffset"`
	TableSize       uint32 `json:"TableSize"`
	Entries         uint32 `json:"Entries"`
	GameDirectory   string `json:"GameDirectory"`
	CompressedTable bool   `json:"CompressedTable"`
	BuildMajor      uint32 `json:"BuildMajor"`
	Changelist      uint32 `json:"Changelist"`
	Variation       uint16 `json:"Variation"`
	DirQueries      bool   `json:"DirQueries"`
	Obfuscated      bool   `json:"Obfuscated"`
	Platform        string `json:"Platform"`
	BigEndian       bool   `json:"BigEndian"`
}

type dumpFile struct {
	FilePath         string `json:"FilePath"`
	Offset           uint64 `json:"Offset"`
	CompressedSize   uint64 `json:"CompressedSize"`
	UncompressedSize uint64 `json:"UncompressedSize"`
	ModifiedTime     uint64 `json:"ModifiedTime"`
	CRC32Pre         uint32 `json:"CRC32Pre"`
	CRC32Post        uint32 `json:"CRC32Post"`
	Contents         any    `json:"Contents"`
}

type dump struct {
	ArchiveIdentity dumpIdentity `json:"ArchiveIdentity"`
	Header          dumpHeader   `json:"Header"`
	Files           []dumpFile   `json:"Files"`
}

func newDumpJSONCmd(a *app, gz bool) *cobra.Command {
	use, ext, short := "dump_json", ".json", "Dump a package to a JSON file"
	if gz {
		use, ext, short = "dump_json_gz", ".json.gz", "Dump a package to a gzip compressed JSON file"
	}

	var diffFriendly bool
	cmd := &cobra.Command{
		Use:   use + " <package> [output]",
		Short: short,
		Long: short + `.

The package must pass a full CRC32 check. The output defaults to the
package path with a ` + ext + ` extension; "-" writes to stdout. In
diff-friendly mode offsets are zeroed, binary contents are replaced by
"<binary>" and the JSON is indented.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := args[0] + ext
			if len(args) == 2 {
				out = args[1]
			}

			d, err := buildDump(cmd, a, args[0], diffFriendly)
			if err != nil {
				return err
			}
			var data []byte
			if diffFriendly {
				data, err = json.MarshalIndent(d, "", "\t")
			} else {
				data, err = json.Marshal(d)
			}
			if err != nil {
				return err
			}
			if gz {
				if data, err = gzipBytes(data); err != nil {
					return err
				}
			}

			if out == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(out, data, 0o644); err != nil { //nolint:gosec // dump output is not secret
				return err
			}
			a.logger.Info("wrote dump", "path", out, "files", len(d.Files), "bytes", len(data))
			return nil
		},
	}
	cmd.Flags().BoolVar(&diffFriendly, "diff-friendly", true, "Omit offsets and binary bodies and indent the output")
	return cmd
}

func buildDump(cmd *cobra.Command, a *app, pkgPath string, diffFriendly bool) (*dump, error) {
	identity, err := identify(pkgPath)
	if err != nil {
		return nil, err
	}

	pkg, err := a.open(pkgPath)
	if err != nil {
		return nil, err
	}
	defer pkg.Close()
	if err := pkg.Verify(cmd.Context()); err != nil {
		return nil, fmt.Errorf("package is corrupt: %w", err)
	}

	h := pkg.Header()
	d := &dump{
		ArchiveIdentity: identity,
		Header: dumpHeader{
			Version:         h.Version,
			TotalSize:       h.TotalSize,
			TableOffset:     h.TableOffset,
			TableSize:       h.TableSize,
			Entries:         h.Entries,
			GameDirectory:   h.GameDirectory.String(),
			CompressedTable: h.CompressedTable,
			BuildMajor:      h.BuildMajor,
			Changelist:      h.Changelist,
			Variation:       h.Variation,
			DirQueries:      h.DirQueries,
			Obfuscated:      h.Obfuscated,
			Platform:        h.Platform.String(),
			BigEndian:       h.BigEndian,
		},
	}

	for _, e := range pkg.Entries() {
		f := dumpFile{
			FilePath:         e.Name,
			Offset:           e.Offset,
			CompressedSize:   e.CompressedSize,
			UncompressedSize: e.UncompressedSize,
			ModifiedTime:     e.ModTime,
			CRC32Pre:         e.CRC32Pre,
			CRC32Post:        e.CRC32Post,
		}
		if diffFriendly {
			f.Offset = 0
		}
		if f.Contents, err = dumpContents(pkg, e.Name, diffFriendly); err != nil {
			return nil, err
		}
		d.Files = append(d.Files, f)
	}
	return d, nil
}

// dumpContents returns the JSON value for a file body: parsed JSON for
// .json files, a string for other text, and base64 (or "<binary>" when
// diff friendly) for everything else.
func dumpContents(pkg *sar.Archive, name string, diffFriendly bool) (any, error) {
	ext := strings.ToLower(path.Ext(name))
	if !textExtensions[ext] && diffFriendly {
		return "<binary>", nil
	}

	data, err := pkg.ReadFile(name)
	if err != nil {
		return nil, err
	}
	switch {
	case ext == ".json":
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("%s cannot be converted to JSON: %w", name, err)
		}
		return v, nil
	case textExtensions[ext]:
		return string(data), nil
	default:
		return data, nil
	}
}

// identify describes the package file itself: size, modification time and
// a sha256 digest of its bytes.
func identify(pkgPath string) (dumpIdentity, error) {
	f, err := os.Open(pkgPath)
	if err != nil {
		return dumpIdentity{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return dumpIdentity{}, err
	}
	dgst, err := digest.SHA256.FromReader(f)
	if err != nil {
		return dumpIdentity{}, err
	}
	return dumpIdentity{
		SizeInBytes: info.Size(),
		Timestamp:   info.ModTime().Unix(),
		Digest:      dgst.String(),
	}, nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(zw, bytes.NewReader(data)); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
