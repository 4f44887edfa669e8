package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Attachment is a binary blob (typically an image) submitted alongside
// an instruction.
type Attachment struct {
	Name string
	Mime string
	Data []byte
}

const attachmentsDir = ".attachments"

var mimeExtensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// saveAttachments writes submitted blobs under the working directory
// and returns their workdir-relative paths in input order. Providers
// read them through the instruction references, not the CLI flags.
func saveAttachments(workDir, prefix string, atts []Attachment) ([]string, error) {
	if len(atts) == 0 {
		return nil, nil
	}
	dir := filepath.Join(workDir, attachmentsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create attachments dir: %w", err)
	}
	refs := make([]string, 0, len(atts))
	for i, att := range atts {
		name := fmt.Sprintf("%s-%d%s", prefix, i+1, attachmentExt(att))
		if err := os.WriteFile(filepath.Join(dir, name), att.Data, 0o644); err != nil {
			return nil, fmt.Errorf("write attachment %d: %w", i+1, err)
		}
		refs = append(refs, filepath.Join(attachmentsDir, name))
	}
	return refs, nil
}

func attachmentExt(att Attachment) string {
	if ext, ok := mimeExtensions[strings.ToLower(att.Mime)]; ok {
		return ext
	}
	if ext := filepath.Ext(att.Name); ext != "" {
		return ext
	}
	return ".bin"
}

// withAttachmentRefs appends numbered image references so the provider
// can open the saved files from the instruction text alone.
func withAttachmentRefs(instruction string, refs []string) string {
	if len(refs) == 0 {
		return instruction
	}
	var b strings.Builder
	b.WriteString(instruction)
	b.WriteString("\n")
	for i, ref := range refs {
		fmt.Fprintf(&b, "\n[Image #%d: %s]", i+1, ref)
	}
	return b.String()
}
