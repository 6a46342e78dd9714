// Package media identifies the content type of scanned files.
package media

import (
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// FileType is a coarse class used when reporting matches.
type FileType string

const (
	FileTypeExecutable FileType = "executable"
	FileTypeArchive    FileType = "archive"
	FileTypeScript     FileType = "script"
	FileTypeDocument   FileType = "document"
	FileTypeImage      FileType = "image"
	FileTypeOther      FileType = "other"
)

// DefaultContentType is reported when the content cannot be sniffed.
const DefaultContentType = "application/octet-stream"

var executableTypes = []string{
	"application/vnd.microsoft.portable-executable",
	"application/x-executable",
	"application/x-elf",
	"application/x-mach-binary",
	"application/x-sharedlib",
	"application/x-msdownload",
	"application/x-dosexec",
	"application/vnd.android.package-archive",
	"application/java-archive",
}

var archiveTypes = []string{
	"application/zip",
	"application/x-rar-compressed",
	"application/x-7z-compressed",
	"application/gzip",
	"application/x-tar",
	"application/x-bzip2",
	"application/x-xz",
	"application/vnd.ms-cab-compressed",
}

var scriptTypes = []string{
	"text/x-shellscript",
	"text/x-python",
	"text/x-perl",
	"text/x-php",
	"text/x-lua",
	"text/x-tcl",
	"application/javascript",
	"text/javascript",
}

var documentTypes = []string{
	"application/pdf",
	"application/msword",
	"application/vnd.ms-excel",
	"application/vnd.ms-powerpoint",
	"application/rtf",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation",
}

// Detect sniffs the file at path and returns its MIME type without
// parameters. Unreadable files report DefaultContentType.
func Detect(path string) string {
	m, err := mimetype.DetectFile(path)
	if err != nil {
		return DefaultContentType
	}
	ct, _, _ := strings.Cut(m.String(), ";")
	return ct
}

// Classify maps a MIME type, as returned by Detect, to a FileType. Types the
// sniffer knows are matched along their parent chain, so a JAR classifies as
// executable rather than as the zip it is built on.
func Classify(contentType string) FileType {
	for m := mimetype.Lookup(contentType); m != nil; m = m.Parent() {
		if ft, ok := classifyName(m.String()); ok {
			return ft
		}
	}
	if ft, ok := classifyName(contentType); ok {
		return ft
	}
	return FileTypeOther
}

func classifyName(ct string) (FileType, bool) {
	ct, _, _ = strings.Cut(ct, ";")
	if strings.HasPrefix(ct, "image/") {
		return FileTypeImage, true
	}
	for _, set := range []struct {
		ft    FileType
		types []string
	}{
		{FileTypeExecutable, executableTypes},
		{FileTypeArchive, archiveTypes},
		{FileTypeScript, scriptTypes},
		{FileTypeDocument, documentTypes},
	} {
		for _, t := range set.types {
			if ct == t {
				return set.ft, true
			}
		}
	}
	return "", false
}
