package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/ConaryLabs/mira/internal/config"
	"github.com/ConaryLabs/mira/internal/memory"
	"github.com/ConaryLabs/mira/internal/observability"
	"github.com/ConaryLabs/mira/internal/persistence"
)

// Processor applies batches of file change events to the code index and
// the vector store. Per-file failures are logged and the batch continues;
// the batch as a whole never errors.
type Processor struct {
	pool     *persistence.Pool
	service  *memory.Service
	registry *Registry
	cfg      config.WatcherConfig
}

func NewProcessor(pool *persistence.Pool, service *memory.Service, registry *Registry, cfg config.WatcherConfig) *Processor {
	return &Processor{pool: pool, service: service, registry: registry, cfg: cfg}
}

// Run consumes events until ctx ends, grouping them into batches.
func (p *Processor) Run(ctx context.Context, events <-chan FileChangeEvent) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	var pending []FileChangeEvent
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				p.ProcessBatch(ctx, pending)
				return
			}
			pending = append(pending, ev)
			if len(pending) >= p.cfg.MaxBatchSize {
				p.ProcessBatch(ctx, pending)
				pending = nil
			}
		case <-ticker.C:
			if len(pending) > 0 {
				p.ProcessBatch(ctx, pending)
				pending = nil
			}
		}
	}
}

// ProcessBatch handles up to max_batch_size events, in order per path.
func (p *Processor) ProcessBatch(ctx context.Context, events []FileChangeEvent) {
	if len(events) == 0 {
		return
	}
	log := observability.LoggerWithTrace(ctx)

	if len(events) > p.cfg.MaxBatchSize {
		events = events[:p.cfg.MaxBatchSize]
	}

	cooldown := time.Duration(p.cfg.GitCooldownMS) * time.Millisecond
	processed, skipped := 0, 0

	for _, ev := range events {
		if p.registry.InGitCooldown(ev.AttachmentID, cooldown) {
			log.Debug().Str("path", ev.RelativePath).Msg("skipped_git_cooldown")
			skipped++
			continue
		}

		if err := p.processEvent(ctx, ev); err != nil {
			log.Warn().Err(err).Str("path", ev.RelativePath).Msg("file_event_failed")
		} else {
			processed++
		}

		if p.cfg.ProcessDelayMS > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(p.cfg.ProcessDelayMS) * time.Millisecond):
			}
		}
	}

	if processed > 0 || skipped > 0 {
		log.Info().Int("processed", processed).Int("skipped", skipped).Msg("file_batch_complete")
	}
}

func (p *Processor) processEvent(ctx context.Context, ev FileChangeEvent) error {
	switch ev.ChangeType {
	case Created, Modified:
		return p.processUpsert(ctx, ev)
	case Deleted:
		return p.processDelete(ctx, ev)
	}
	return fmt.Errorf("unknown change type %d", ev.ChangeType)
}

func (p *Processor) processUpsert(ctx context.Context, ev FileChangeEvent) error {
	log := observability.LoggerWithTrace(ctx)

	raw, err := os.ReadFile(ev.Path)
	if err != nil {
		// A vanished file will arrive again as a Deleted event.
		log.Warn().Err(err).Str("path", ev.Path).Msg("file_read_failed")
		return nil
	}
	content := string(raw)
	currentHash := hashContent(raw)

	fileID, oldHash, err := p.pool.GetFileRecord(ctx, ev.AttachmentID, ev.RelativePath)
	if err != nil {
		return err
	}
	if oldHash == currentHash {
		log.Debug().Str("path", ev.RelativePath).Msg("file_unchanged")
		return nil
	}

	changeType := "created"
	var oldHashPtr *string
	if fileID != 0 {
		changeType = "modified"
		oldHashPtr = &oldHash
	}
	if err := p.pool.LogLocalChange(ctx, ev.ProjectID, ev.RelativePath, changeType, oldHashPtr, &currentHash); err != nil {
		return err
	}

	// Old embeddings go first so a crash mid-update repairs toward the new
	// content, not the stale one.
	if fileID != 0 {
		p.invalidateFile(ctx, fileID)
	}

	language := DetectLanguage(ev.RelativePath)
	newFileID, err := p.pool.UpsertFileRecord(ctx, ev.AttachmentID, ev.RelativePath, currentHash, language)
	if err != nil {
		return err
	}
	if err := p.pool.DeleteSymbolsForFile(ctx, newFileID); err != nil {
		return err
	}

	symbols, imports := ExtractSymbols(content, ev.RelativePath, language)
	lines := splitLines(content)
	stored := 0

	byName := make(map[string]int64, len(symbols))
	type pendingCall struct {
		callerID int64
		site     callSite
	}
	var calls []pendingCall

	for _, sym := range symbols {
		row := &persistence.CodeSymbol{
			ProjectID:     ev.ProjectID,
			FileID:        newFileID,
			FilePath:      ev.RelativePath,
			Name:          sym.Name,
			Kind:          sym.Kind,
			StartLine:     sym.StartLine,
			EndLine:       sym.EndLine,
			SignatureHash: sym.Signature,
			Complexity:    sym.Complexity,
			Doc:           sym.Doc,
			IsTest:        sym.IsTest,
			IsAsync:       sym.IsAsync,
		}
		if _, err := p.pool.StoreSymbol(ctx, row); err != nil {
			log.Warn().Err(err).Str("symbol", sym.Name).Msg("symbol_store_failed")
			continue
		}
		byName[sym.Name] = row.ID
		for _, c := range sym.Calls {
			calls = append(calls, pendingCall{callerID: row.ID, site: c})
		}

		snippet := snippetFor(lines, sym)
		if err := p.service.IndexCodeSymbol(ctx, row, snippet); err != nil {
			log.Warn().Err(err).Str("symbol", sym.Name).Msg("symbol_embed_failed")
		}
		stored++
	}

	for _, c := range calls {
		if calleeID, ok := byName[c.site.Callee]; ok {
			_ = p.pool.StoreCallEdge(ctx, &persistence.CallEdge{
				CallerID: c.callerID, CalleeID: calleeID, CallKind: "direct", Line: c.site.Line,
			})
		} else {
			_ = p.pool.StoreUnresolvedCall(ctx, &persistence.UnresolvedCall{
				CallerID: c.callerID, CalleeName: c.site.Callee, CallKind: "direct", Line: c.site.Line,
			})
		}
	}
	for _, imp := range imports {
		_ = p.pool.StoreImport(ctx, newFileID, imp.Path, imp.Line)
	}

	if stored > 0 {
		log.Info().Int("symbols", stored).Str("path", ev.RelativePath).Msg("file_indexed")
	}
	return nil
}

func (p *Processor) processDelete(ctx context.Context, ev FileChangeEvent) error {
	fileID, oldHash, err := p.pool.GetFileRecord(ctx, ev.AttachmentID, ev.RelativePath)
	if err != nil {
		return err
	}
	if fileID == 0 {
		return nil
	}

	p.invalidateFile(ctx, fileID)
	if err := p.pool.DeleteSymbolsForFile(ctx, fileID); err != nil {
		return err
	}
	if err := p.pool.DeleteFileRecord(ctx, fileID); err != nil {
		return err
	}

	var oldHashPtr *string
	if oldHash != "" {
		oldHashPtr = &oldHash
	}
	return p.pool.LogLocalChange(ctx, ev.ProjectID, ev.RelativePath, "deleted", oldHashPtr, nil)
}

// invalidateFile removes the code-head points for a file's symbols.
func (p *Processor) invalidateFile(ctx context.Context, fileID int64) {
	ids, err := p.pool.SymbolIDsForFile(ctx, fileID)
	if err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Int64("file_id", fileID).Msg("symbol_lookup_failed")
		return
	}
	p.service.RemoveCodeSymbols(ctx, ids)
}

func hashContent(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func splitLines(content string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(content); i++ {
		if content[i] == '\n' {
			lines = append(lines, content[start:i])
			start = i + 1
		}
	}
	lines = append(lines, content[start:])
	return lines
}

func snippetFor(lines []string, sym Symbol) string {
	start := sym.StartLine - 1
	end := sym.EndLine
	if start < 0 {
		start = 0
	}
	if end > len(lines) {
		end = len(lines)
	}
	out := ""
	for i := start; i < end; i++ {
		out += lines[i] + "\n"
	}
	return out
}
