package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cloudwego/eino-ext/components/document/loader/file"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/document/parser"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
)

const ReadDocumentToolName = "read_document"

var readableExtensions = map[string]bool{".txt": true, ".md": true}

type readDocumentParams struct {
	Filename   string `json:"filename,omitempty"`
	ChunkIndex int    `json:"chunk_index,omitempty"`
	ChunkSize  int    `json:"chunk_size,omitempty"`
}

type documentReader struct {
	dir     string
	loader  *file.FileLoader
	limiter *rateLimiter
}

// NewReadDocument builds the read_document tool over the knowledge directory.
func NewReadDocument(ctx context.Context, dir string) (tool.InvokableTool, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve knowledge dir: %w", err)
	}
	parserExt, err := parser.NewExtParser(ctx, &parser.ExtParserConfig{
		FallbackParser: parser.TextParser{},
	})
	if err != nil {
		return nil, fmt.Errorf("init document parser: %w", err)
	}
	loader, err := file.NewFileLoader(ctx, &file.FileLoaderConfig{
		UseNameAsID: true,
		Parser:      parserExt,
	})
	if err != nil {
		return nil, fmt.Errorf("init document loader: %w", err)
	}
	reader := &documentReader{
		dir:     abs,
		loader:  loader,
		limiter: newRateLimiter(DocumentRateLimit, DocumentRateWindow),
	}
	info := &schema.ToolInfo{
		Name: ReadDocumentToolName,
		Desc: "Read a document from the knowledge base in chunks. Call without filename to list the available documents.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"filename": {
				Desc: "Document name relative to the knowledge base, e.g. playbook.md",
				Type: schema.String,
			},
			"chunk_index": {
				Desc: "Zero-based chunk index to read, default 0.",
				Type: schema.Integer,
			},
			"chunk_size": {
				Desc: "Characters per chunk (500-4000, default 2000).",
				Type: schema.Integer,
			},
		}),
	}
	return utils.NewTool(info, reader.run), nil
}

func (r *documentReader) run(ctx context.Context, params *readDocumentParams) (string, error) {
	if params == nil || strings.TrimSpace(params.Filename) == "" {
		return r.list()
	}
	key := "global"
	if chatID, ok := ChatIDFromContext(ctx); ok {
		key = chatID
	}
	if !r.limiter.Allow(key) {
		return "", errors.New("read_document rate limit exceeded, please retry in a minute")
	}

	path, err := r.resolve(params.Filename)
	if err != nil {
		return "", err
	}
	docs, err := r.loader.Load(ctx, document.Source{URI: path})
	if err != nil {
		return "", fmt.Errorf("load document: %w", err)
	}
	var builder strings.Builder
	for _, doc := range docs {
		content := strings.TrimSpace(doc.Content)
		if content == "" {
			continue
		}
		builder.WriteString(content)
		builder.WriteString("\n\n")
	}
	text := strings.TrimSpace(builder.String())
	if text == "" {
		return fmt.Sprintf("Document %s has no readable text content.", params.Filename), nil
	}
	return chunk(params.Filename, text, params.ChunkIndex, params.ChunkSize), nil
}

// resolve maps a user supplied name into the knowledge dir, refusing escapes.
func (r *documentReader) resolve(name string) (string, error) {
	clean := filepath.Clean(strings.TrimSpace(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", errors.New("access denied: path outside knowledge base")
	}
	full := filepath.Join(r.dir, clean)
	rel, err := filepath.Rel(r.dir, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", errors.New("access denied: path outside knowledge base")
	}
	if !readableExtensions[strings.ToLower(filepath.Ext(full))] {
		return "", fmt.Errorf("unsupported file type %q", filepath.Ext(full))
	}
	info, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("document %s not found", clean)
		}
		return "", fmt.Errorf("stat document: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", clean)
	}
	return full, nil
}

func (r *documentReader) list() (string, error) {
	var names []string
	err := filepath.WalkDir(r.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !readableExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		rel, err := filepath.Rel(r.dir, path)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("list knowledge base: %w", err)
	}
	if len(names) == 0 {
		return "The knowledge base is empty.", nil
	}
	sort.Strings(names)
	return "Available documents:\n" + strings.Join(names, "\n"), nil
}

func chunk(name, text string, index, size int) string {
	if size <= 0 || size > DocumentChunkSizeMax {
		size = DocumentChunkSizeDefault
	}
	if size < DocumentChunkSizeMin {
		size = DocumentChunkSizeMin
	}
	if index < 0 {
		index = 0
	}
	runes := []rune(text)
	total := (len(runes) + size - 1) / size
	if index >= total {
		index = total - 1
	}
	start := index * size
	end := start + size
	if end > len(runes) {
		end = len(runes)
	}
	return fmt.Sprintf("Document: %s\nChunk %d/%d\n\n%s", name, index+1, total, string(runes[start:end]))
}
