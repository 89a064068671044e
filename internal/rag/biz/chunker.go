package biz

import (
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kart-io/sentinel-rag/internal/model"
	"github.com/kart-io/sentinel-rag/pkg/errors"
)

// 分块大小的计量单位。
const (
	UnitWords  = "words"
	UnitChars  = "chars"
	UnitTokens = "tokens"
)

// ChunkerConfig 分块配置。
type ChunkerConfig struct {
	// ChunkSize 每个分块的最大单位数。
	ChunkSize int
	// ChunkOverlap 相邻分块共享的单位数，0 <= ChunkOverlap < ChunkSize。
	ChunkOverlap int
	// Unit 计量单位：words、chars 或 tokens。
	Unit string
}

// TokenSpanner 返回每个 token 在文本中的字节区间，区间首尾相接覆盖全文。
type TokenSpanner interface {
	Spans(text string) [][2]int
}

// Chunker 按文档格式切分文本。纯函数，无副作用，可并发使用。
type Chunker struct {
	config    ChunkerConfig
	tokenizer TokenSpanner
}

// NewChunker 创建分块器。Unit 为 tokens 时必须提供 tokenizer。
func NewChunker(cfg ChunkerConfig, tokenizer TokenSpanner) (*Chunker, error) {
	if cfg.Unit == "" {
		cfg.Unit = UnitWords
	}
	switch {
	case cfg.ChunkSize <= 0:
		return nil, errors.ErrValidation.WithMessagef("chunk size must be positive, got %d", cfg.ChunkSize)
	case cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize:
		return nil, errors.ErrValidation.WithMessagef("chunk overlap must be in [0, %d), got %d", cfg.ChunkSize, cfg.ChunkOverlap)
	}
	switch cfg.Unit {
	case UnitWords, UnitChars:
	case UnitTokens:
		if tokenizer == nil {
			return nil, errors.ErrValidation.WithMessage("tokens unit requires a tokenizer")
		}
	default:
		return nil, errors.ErrValidation.WithMessagef("unknown chunk unit %q", cfg.Unit)
	}
	return &Chunker{config: cfg, tokenizer: tokenizer}, nil
}

// Config 返回分块配置。
func (c *Chunker) Config() ChunkerConfig {
	return c.config
}

var formatsByExt = map[string]model.Format{
	"":          model.FormatText,
	".txt":      model.FormatText,
	".text":     model.FormatText,
	".log":      model.FormatText,
	".csv":      model.FormatCSV,
	".tsv":      model.FormatTSV,
	".md":       model.FormatMarkdown,
	".markdown": model.FormatMarkdown,
	".mdx":      model.FormatMarkdown,
}

// DetectFormat 根据扩展名判断文档格式。
func DetectFormat(filename string) (model.Format, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if f, ok := formatsByExt[ext]; ok {
		return f, nil
	}
	return "", errors.ErrUnsupportedFormat.WithMessagef("unsupported file type %q", ext)
}

// SupportedFormat 判断文件名是否属于支持的格式。
func SupportedFormat(filename string) bool {
	_, err := DetectFormat(filename)
	return err == nil
}

// NormalizeText 去除 BOM、统一换行符并去掉首尾空白。
// 分块位置都是相对于规范化后文本的字节偏移。
func NormalizeText(s string) string {
	s = strings.TrimPrefix(s, "\uFEFF")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.TrimSpace(s)
}

// ChunkID 由文档 ID 和零填充的序号组成，字典序与分块顺序一致。
func ChunkID(documentID string, index int) string {
	return fmt.Sprintf("%s-%06d", documentID, index)
}

// piece 是分块前的中间结果。
type piece struct {
	start, end  int
	text        string
	overlap     int
	headingPath []string
	rowStart    int
	rowEnd      int
}

// Chunk 将文档内容切分为分块。空文档返回 ErrEmptyDocument。
func (c *Chunker) Chunk(doc *model.Document, content string) ([]*model.Chunk, error) {
	text := NormalizeText(content)
	if text == "" {
		return nil, errors.ErrEmptyDocument.WithMessagef("document %q is empty", doc.Filename)
	}

	format := doc.ContentType
	if format == "" {
		format = model.FormatText
	}

	var (
		pieces []piece
		err    error
	)
	switch format {
	case model.FormatCSV:
		pieces, err = c.splitTabular(text, ',')
	case model.FormatTSV:
		pieces, err = c.splitTabular(text, '\t')
	case model.FormatMarkdown:
		pieces = c.splitMarkdown(text)
	default:
		pieces = c.splitWindow(text, 0, nil)
	}
	if err != nil {
		return nil, err
	}

	chunks := make([]*model.Chunk, 0, len(pieces))
	for _, p := range pieces {
		if strings.TrimSpace(p.text) == "" {
			continue
		}
		idx := len(chunks)
		chunks = append(chunks, &model.Chunk{
			ID:         ChunkID(doc.ID, idx),
			DocumentID: doc.ID,
			Index:      idx,
			Text:       p.text,
			CharCount:  utf8.RuneCountInString(p.text),
			WordCount:  len(strings.Fields(p.text)),
			Metadata: model.ChunkMetadata{
				Format:      format,
				Position:    model.Position{Start: p.start, End: p.end},
				Overlap:     p.overlap,
				HeadingPath: p.headingPath,
				RowStart:    p.rowStart,
				RowEnd:      p.rowEnd,
			},
		})
	}
	if len(chunks) == 0 {
		return nil, errors.ErrEmptyDocument.WithMessagef("document %q has no content", doc.Filename)
	}
	return chunks, nil
}

// unit 是计量单位在文本中的字节区间。
type unit struct {
	start, end int
}

func (c *Chunker) units(text string) []unit {
	switch c.config.Unit {
	case UnitChars:
		us := make([]unit, 0, len(text))
		for i, r := range text {
			us = append(us, unit{i, i + utf8.RuneLen(r)})
		}
		return us
	case UnitTokens:
		spans := c.tokenizer.Spans(text)
		us := make([]unit, len(spans))
		for i, s := range spans {
			us[i] = unit{s[0], s[1]}
		}
		return us
	default:
		var us []unit
		start := -1
		for i, r := range text {
			if unicode.IsSpace(r) {
				if start >= 0 {
					us = append(us, unit{start, i})
					start = -1
				}
			} else if start < 0 {
				start = i
			}
		}
		if start >= 0 {
			us = append(us, unit{start, len(text)})
		}
		return us
	}
}

// count 返回文本的单位数。
func (c *Chunker) count(text string) int {
	switch c.config.Unit {
	case UnitChars:
		return utf8.RuneCountInString(text)
	case UnitTokens:
		return len(c.tokenizer.Spans(text))
	default:
		return len(strings.Fields(text))
	}
}

// splitWindow 用滑动窗口切分 text，base 是 text 在规范化全文中的偏移。
// 每个窗口的字节区间延伸到下一个单位的起点，所以非重叠部分首尾相接覆盖全文。
func (c *Chunker) splitWindow(text string, base int, headingPath []string) []piece {
	us := c.units(text)
	if len(us) == 0 {
		return nil
	}

	size, overlap := c.config.ChunkSize, c.config.ChunkOverlap
	var (
		pieces  []piece
		start   int
		prevEnd int
	)
	for {
		end := min(start+size, len(us))
		if end < len(us) {
			end = c.breakPoint(text, us, start, end)
		}

		bs := us[start].start
		if start == 0 {
			bs = 0
		}
		be := len(text)
		if end < len(us) {
			be = us[end].start
		}

		shared := 0
		if len(pieces) > 0 {
			shared = prevEnd - start
		}
		pieces = append(pieces, piece{
			start:       base + bs,
			end:         base + be,
			text:        text[bs:be],
			overlap:     shared,
			headingPath: headingPath,
		})

		if end >= len(us) {
			return pieces
		}
		next := end - overlap
		if next <= start {
			next = start + 1
		}
		prevEnd = end
		start = next
	}
}

// 边界强度，数值越大越优先。
const (
	boundaryNone = iota
	boundaryWord
	boundarySentence
	boundaryLine
	boundaryParagraph
)

// breakPoint 在窗口后半段寻找最强的边界，同等强度取最靠后的位置。
// 窗口至少保留 overlap+1 个单位，保证每次前进。
func (c *Chunker) breakPoint(text string, us []unit, start, end int) int {
	minEnd := start + max(c.config.ChunkOverlap+1, (end-start)/2)
	if minEnd >= end {
		return end
	}

	best, bestStrength := end, boundaryNone
	for k := end; k >= minEnd; k-- {
		s := boundaryStrength(text, us[k].start)
		if s > bestStrength {
			best, bestStrength = k, s
			if s == boundaryParagraph {
				break
			}
		}
	}
	return best
}

// boundaryStrength 判断在字节位置 p 切分的边界类型。
func boundaryStrength(text string, p int) int {
	a := p
	for a > 0 {
		r, n := utf8.DecodeLastRuneInString(text[:a])
		if !unicode.IsSpace(r) {
			break
		}
		a -= n
	}
	b := p
	for b < len(text) {
		r, n := utf8.DecodeRuneInString(text[b:])
		if !unicode.IsSpace(r) {
			break
		}
		b += n
	}
	if a == b {
		return boundaryNone
	}

	gap := text[a:b]
	switch newlines := strings.Count(gap, "\n"); {
	case newlines >= 2:
		return boundaryParagraph
	case newlines == 1:
		return boundaryLine
	}
	if a > 0 {
		r, _ := utf8.DecodeLastRuneInString(text[:a])
		if strings.ContainsRune(".!?;。！？；", r) {
			return boundarySentence
		}
	}
	return boundaryWord
}

var headingPattern = regexp.MustCompile(`^(#{1,6})[ \t]+(.+?)[ \t#]*$`)

type heading struct {
	level int
	title string
}

// splitMarkdown 按标题切分章节，章节内再用滑动窗口切分，元数据保留标题路径。
// 代码块中的 # 行不视为标题。
func (c *Chunker) splitMarkdown(text string) []piece {
	type section struct {
		start, end int
		path       []string
	}

	var (
		sections []section
		stack    []heading
		secStart int
		secPath  []string
		inFence  bool
	)
	for offset := 0; offset < len(text); {
		lineEnd := strings.IndexByte(text[offset:], '\n')
		if lineEnd < 0 {
			lineEnd = len(text)
		} else {
			lineEnd += offset
		}
		line := text[offset:lineEnd]
		trimmed := strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~"):
			inFence = !inFence
		case !inFence:
			if m := headingPattern.FindStringSubmatch(line); m != nil {
				if offset > secStart {
					sections = append(sections, section{secStart, offset, secPath})
				}
				level := len(m[1])
				for len(stack) > 0 && stack[len(stack)-1].level >= level {
					stack = stack[:len(stack)-1]
				}
				stack = append(stack, heading{level: level, title: strings.TrimSpace(m[2])})
				secPath = make([]string, len(stack))
				for i, h := range stack {
					secPath[i] = h.title
				}
				secStart = offset
			}
		}
		offset = lineEnd + 1
	}
	sections = append(sections, section{secStart, len(text), secPath})

	// 整篇不超过一个分块时不按章节拆分
	if c.count(text) <= c.config.ChunkSize {
		path := sections[0].path
		if path == nil && len(sections) > 1 {
			path = sections[1].path
		}
		return c.splitWindow(text, 0, path)
	}

	var pieces []piece
	for _, s := range sections {
		pieces = append(pieces, c.splitWindow(text[s.start:s.end], s.start, s.path)...)
	}
	return pieces
}

// splitTabular 按行分组切分 CSV/TSV，每组都带表头且不会拆开一行。
func (c *Chunker) splitTabular(text string, delim rune) ([]piece, error) {
	type row struct {
		start, end int
	}

	r := csv.NewReader(strings.NewReader(text))
	r.Comma = delim
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.ReuseRecord = true

	var rows []row
	prev := int64(0)
	for {
		_, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.ErrProcessing.WithMessagef("malformed delimited row near byte %d", prev).WithCause(err)
		}
		off := r.InputOffset()
		rows = append(rows, row{int(prev), int(off)})
		prev = off
	}
	if len(rows) == 0 {
		return nil, errors.ErrEmptyDocument.WithMessage("delimited document has no rows")
	}
	if len(rows) == 1 {
		return []piece{{start: 0, end: len(text), text: text}}, nil
	}

	header := text[rows[0].start:rows[0].end]
	if !strings.HasSuffix(header, "\n") {
		header += "\n"
	}
	budget := max(c.config.ChunkSize-c.count(header), 1)

	var pieces []piece
	for i := 1; i < len(rows); {
		j, used := i, 0
		for j < len(rows) {
			n := c.count(text[rows[j].start:rows[j].end])
			if j > i && used+n > budget {
				break
			}
			used += n
			j++
		}

		p := piece{
			start:    rows[i].start,
			end:      rows[j-1].end,
			rowStart: i,
			rowEnd:   j - 1,
		}
		if i == 1 {
			p.start = 0
			p.text = text[:p.end]
		} else {
			p.text = header + text[p.start:p.end]
		}
		pieces = append(pieces, p)
		i = j
	}
	return pieces, nil
}
