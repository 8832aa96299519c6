package tasks

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// レース結果チャートの抽出仕様。
// 1ページ＝1レースで、ヘッダー（競馬場・開催日・レース番号）、距離と馬場、
// 着順表、調教師の脚注を読み取り、着順行をCSVに平坦化します。
var (
	chartHeaderRe     = regexp.MustCompile(`(?i)([A-Z\s\.]+?)\s*-\s*(.*?)\s*-\s*Race\s*(\d+)`)
	distanceSurfaceRe = regexp.MustCompile(`(?i)Distance:\s*(.*?)\s*On\s*The\s*(.*)`)
	trainersFooterRe  = regexp.MustCompile(`(?i)Trainers:\s*(.*)`)
	trainerEntryRe    = regexp.MustCompile(`^(\d+)\s*-\s*(.*)`)
	jockeyParenRe     = regexp.MustCompile(`([^\s]+)\((.*?)\)`)
	jockeyParenAltRe  = regexp.MustCompile(`([^\s]+)\s+\((.*?)\)`)
	monthDayGlueRe    = regexp.MustCompile(`([a-zA-Z]+)(\d+)`)
	commaGlueRe       = regexp.MustCompile(`(\d+),(\d+)`)
)

var validSurfaces = []string{"Dirt", "Turf", "All Weather", "Tapeta"}

var racesCSVHeader = []string{"Date", "Race #", "Surface", "Distance", "Jockey", "Trainer", "WIN", "PLACE", "SHOW"}

// ExtractRaces はレース結果チャートPDFを解析し、着順CSVを生成するタスクです。
// ペイロードはアップロード済みPDFへの参照 {"fileRef": "..."} です。
func ExtractRaces(ctx context.Context, req *Request) (*Result, error) {
	var payload struct {
		FileRef string `json:"fileRef"`
	}
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	if payload.FileRef == "" {
		return nil, fmt.Errorf("invalid payload: field fileRef is required")
	}

	data, err := req.Files.Load(ctx, payload.FileRef)
	if err != nil {
		return nil, fmt.Errorf("failed to load source pdf: %w", err)
	}

	pages, err := extractPDFPages(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	races := 0
	var rows [][]string
	for _, pageText := range pages {
		// ページ単位のチェックポイント。キャンセルはここで拾います。
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		page, ok := parseRaceChart(pageText)
		if !ok {
			continue
		}
		races++
		for i, f := range page.finishers {
			rank := i + 1
			rows = append(rows, []string{
				page.date,
				page.raceNum,
				page.surface,
				page.distance,
				f.jockey,
				page.trainers[f.pgm],
				rankFlag(rank, 1),
				rankFlag(rank, 2),
				rankFlag(rank, 3),
			})
		}
	}
	if races == 0 {
		return nil, fmt.Errorf("no race charts found in document")
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(racesCSVHeader); err != nil {
		return nil, err
	}
	if err := w.WriteAll(rows); err != nil {
		return nil, err
	}

	outRef := path.Join("jobs", req.JobID, "races.csv")
	if _, err := req.Files.Save(ctx, outRef, buf.Bytes()); err != nil {
		return nil, fmt.Errorf("failed to save csv: %w", err)
	}

	return jsonResult(map[string]any{
		"races":     races,
		"rows":      len(rows),
		"outputRef": outRef,
	})
}

type finisher struct {
	pgm    string
	jockey string
}

type racePage struct {
	track     string
	date      string
	raceNum   string
	distance  string
	surface   string
	trainers  map[string]string
	finishers []finisher
}

// parseRaceChart は1ページ分のテキストからレース情報を組み立てます。
// ヘッダーが見つからないページはチャートではないと判断します。
func parseRaceChart(pageText string) (*racePage, bool) {
	track, dateStr, raceNum := parseChartHeader(pageText)
	if track == "" {
		return nil, false
	}

	distance, surface := parseDistanceSurface(pageText)
	page := &racePage{
		track:    track,
		date:     formatChartDate(dateStr),
		raceNum:  raceNum,
		distance: distance,
		surface:  surface,
		trainers: parseTrainersFooter(pageText),
	}

	for _, line := range strings.Split(pageText, "\n") {
		if f, ok := parseFinisherRow(line); ok {
			page.finishers = append(page.finishers, f)
		}
	}
	return page, true
}

// parseChartHeader はヘッダー行から競馬場・開催日・レース番号を抽出します。
// 空白が潰れた "AQUEDUCT-January1,2025-Race1" 形式も受け付けます。
func parseChartHeader(text string) (track, date, raceNum string) {
	m := chartHeaderRe.FindStringSubmatch(text)
	if m == nil {
		return "", "", ""
	}
	return strings.TrimSpace(m[1]), strings.TrimSpace(m[2]), strings.TrimSpace(m[3])
}

// formatChartDate は "January 1, 2025"（空白欠落も可）を "2025-01-01" に整形します。
// 解釈できない場合は入力をそのまま返します。
func formatChartDate(s string) string {
	normalized := monthDayGlueRe.ReplaceAllString(s, "$1 $2")
	normalized = commaGlueRe.ReplaceAllString(normalized, "$1, $2")
	t, err := time.Parse("January 2, 2006", normalized)
	if err != nil {
		return s
	}
	return t.Format("2006-01-02")
}

// parseDistanceSurface は "Distance: Six Furlongs On The Dirt" 形式を解析します。
func parseDistanceSurface(text string) (distance, surface string) {
	m := distanceSurfaceRe.FindStringSubmatch(text)
	if m == nil {
		return "", ""
	}
	distance = strings.TrimSpace(m[1])
	surfaceRaw := strings.ToLower(strings.TrimSpace(m[2]))

	surface = "Unknown"
	for _, vs := range validSurfaces {
		if strings.Contains(surfaceRaw, strings.ToLower(vs)) {
			surface = vs
			break
		}
	}

	// 空白が潰れた "SixFurlongs" は大文字の前に空白を補います。
	if !strings.Contains(distance, " ") && len(distance) > 3 {
		distance = expandCompressedWords(distance)
	}
	return distance, surface
}

func expandCompressedWords(s string) string {
	var b strings.Builder
	for i, r := range s {
		if i > 0 && unicode.IsUpper(r) {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// parseTrainersFooter は "Trainers: 1 - Smith; 2 - Jones." 形式の脚注を
// 馬番→調教師のマップに変換します。
func parseTrainersFooter(text string) map[string]string {
	trainers := make(map[string]string)
	m := trainersFooterRe.FindStringSubmatch(text)
	if m == nil {
		return trainers
	}
	entries := strings.FieldsFunc(m[1], func(r rune) bool {
		return r == ';' || r == '\n'
	})
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		em := trainerEntryRe.FindStringSubmatch(entry)
		if em == nil {
			continue
		}
		trainer := strings.TrimSpace(em[2])
		trainer = strings.TrimSuffix(trainer, ".")
		trainers[em[1]] = trainer
	}
	return trainers
}

// parseFinisherRow は着順行を判定します。行の条件は、馬番（数字のみのトークン）、
// 括弧書きの騎手名、オッズ（小数）の3点が揃うことです。
func parseFinisherRow(line string) (finisher, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return finisher{}, false
	}
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return finisher{}, false
	}

	var pgm string
	for _, p := range parts {
		if isAllDigits(p) {
			pgm = p
			break
		}
	}
	if pgm == "" {
		return finisher{}, false
	}

	if !strings.Contains(line, "(") || !strings.Contains(line, ")") {
		return finisher{}, false
	}
	m := jockeyParenRe.FindStringSubmatch(line)
	if m == nil {
		m = jockeyParenAltRe.FindStringSubmatch(line)
	}
	if m == nil {
		return finisher{}, false
	}
	jockey := m[2]

	hasOdds := false
	for _, p := range parts {
		if !strings.Contains(p, ".") {
			continue
		}
		cleaned := strings.ReplaceAll(p, ".", "")
		cleaned = strings.ReplaceAll(cleaned, "*", "")
		if isAllDigits(cleaned) {
			hasOdds = true
			break
		}
	}
	if !hasOdds {
		return finisher{}, false
	}
	return finisher{pgm: pgm, jockey: jockey}, true
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func rankFlag(rank, want int) string {
	if rank == want {
		return "1"
	}
	return "0"
}

// extractPDFPages はPDFの各ページのテキストを返します。
func extractPDFPages(rs io.ReadSeeker) ([]string, error) {
	conf := model.NewDefaultConfiguration()
	pdfCtx, err := api.ReadValidateAndOptimize(rs, conf)
	if err != nil {
		return nil, fmt.Errorf("pdfcpu read: %w", err)
	}

	pages := make([]string, 0, pdfCtx.PageCount)
	for pageNr := 1; pageNr <= pdfCtx.PageCount; pageNr++ {
		r, err := pdfcpu.ExtractPageContent(pdfCtx, pageNr)
		if err != nil {
			continue
		}
		data, err := io.ReadAll(r)
		if err != nil || len(data) == 0 {
			continue
		}
		if text := textFromContentStream(data); text != "" {
			pages = append(pages, text)
		}
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("no text content found in pdf")
	}
	return pages, nil
}

// textFromContentStream はコンテンツストリームのテキスト描画オペレーターを
// 走査して行指向のテキストを組み立てます。Tj/TJ が文字列、Td/TD がセル区切り、
// T* と ' が改行に対応します。
func textFromContentStream(data []byte) string {
	var sb strings.Builder

	flushLine := func() {
		if sb.Len() > 0 && !strings.HasSuffix(sb.String(), "\n") {
			sb.WriteByte('\n')
		}
	}

	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		switch {
		case bytes.HasSuffix(line, []byte("Tj")), bytes.HasSuffix(line, []byte("TJ")):
			for _, s := range scanPDFStrings(line) {
				sb.WriteString(s)
			}
		case bytes.HasSuffix(line, []byte("'")) && bytes.Contains(line, []byte("(")):
			flushLine()
			for _, s := range scanPDFStrings(line) {
				sb.WriteString(s)
			}
		case bytes.HasSuffix(line, []byte("Td")), bytes.HasSuffix(line, []byte("TD")):
			if sb.Len() > 0 {
				sb.WriteByte(' ')
			}
		case bytes.Equal(line, []byte("T*")), bytes.Equal(line, []byte("ET")):
			flushLine()
		}
	}
	return strings.TrimSpace(sb.String())
}

// scanPDFStrings は1行に含まれる括弧リテラル文字列を順に取り出します。
// PDF の文字列はエスケープ（\( \)）と入れ子の括弧を含み得るため、
// 正規表現ではなく深さを追跡しながら走査します。
func scanPDFStrings(line []byte) []string {
	var out []string
	for i := 0; i < len(line); i++ {
		if line[i] != '(' {
			continue
		}
		depth := 1
		var raw []byte
		j := i + 1
		for ; j < len(line); j++ {
			c := line[j]
			if c == '\\' && j+1 < len(line) {
				raw = append(raw, c, line[j+1])
				j++
				continue
			}
			if c == '(' {
				depth++
			} else if c == ')' {
				depth--
				if depth == 0 {
					break
				}
			}
			raw = append(raw, c)
		}
		out = append(out, decodePDFString(raw))
		i = j
	}
	return out
}

// decodePDFString はPDF文字列リテラルのエスケープを解決します。
func decodePDFString(raw []byte) string {
	var sb strings.Builder
	for i := 0; i < len(raw); i++ {
		if raw[i] != '\\' || i+1 >= len(raw) {
			sb.WriteByte(raw[i])
			continue
		}
		i++
		switch raw[i] {
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		case 't':
			sb.WriteByte('\t')
		case '\\', '(', ')':
			sb.WriteByte(raw[i])
		default:
			if raw[i] >= '0' && raw[i] <= '7' {
				val := int(raw[i] - '0')
				for n := 0; n < 2 && i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '7'; n++ {
					i++
					val = val*8 + int(raw[i]-'0')
				}
				sb.WriteByte(byte(val))
			} else {
				sb.WriteByte(raw[i])
			}
		}
	}
	return sb.String()
}
