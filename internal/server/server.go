// Package server wires all MCP components and creates the server instance.
//
// This is the composition root: it creates concrete implementations and
// injects them into the tools/prompts/resources that depend on them.
// No business logic lives here, only wiring.
package server

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"github.com/avela/refinery/internal/config"
	"github.com/avela/refinery/internal/memory"
	"github.com/avela/refinery/internal/prompts"
	"github.com/avela/refinery/internal/refine"
	"github.com/avela/refinery/internal/refinetools"
	"github.com/avela/refinery/internal/resources"
)

// Version is set at build time via ldflags.
var Version = "dev"

// New creates and configures the MCP server with all tools, prompts, and
// resources registered, plus the background journal retention job.
//
// The returned cleanup function stops the scheduler and closes the memory
// store's database connection; it must be called on shutdown (typically via
// defer). It is always non-nil and safe to call even when New fails.
func New(cfg *config.Config, log *logrus.Logger) (*server.MCPServer, func(), error) {
	store, err := memory.New(cfg.StoreConfig())
	if err != nil {
		return nil, noop, fmt.Errorf("opening memory store: %w", err)
	}

	s := server.NewMCPServer(
		"refinery",
		Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithPromptCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(serverInstructions()),
	)

	controller := refine.NewController(store, log)
	registry := refinetools.NewSessionRegistry()

	// --- Refinement session tools ---

	beginTool := refinetools.NewBeginTool(store, registry)
	s.AddTool(beginTool.Definition(), beginTool.Handle)

	actTool := refinetools.NewActTool(controller, registry)
	s.AddTool(actTool.Definition(), actTool.Handle)

	// --- Memory tools ---

	saveTool := refinetools.NewSaveTool(store)
	s.AddTool(saveTool.Definition(), saveTool.Handle)

	searchTool := refinetools.NewSearchTool(store)
	s.AddTool(searchTool.Definition(), searchTool.Handle)

	statsTool := refinetools.NewStatsTool(store)
	s.AddTool(statsTool.Definition(), statsTool.Handle)

	// --- Agent tools ---

	registerTool := refinetools.NewRegisterAgentTool(store)
	s.AddTool(registerTool.Definition(), registerTool.Handle)

	tuneTool := refinetools.NewTuneAgentTool(store)
	s.AddTool(tuneTool.Definition(), tuneTool.Handle)

	// --- Register prompts ---

	refinePrompt := prompts.NewRefinePrompt()
	s.AddPrompt(refinePrompt.Definition(), refinePrompt.Handle)

	statusPrompt := prompts.NewStatusPrompt()
	s.AddPrompt(statusPrompt.Definition(), statusPrompt.Handle)

	// --- Register resources ---

	resourceHandler := resources.NewHandler(store)
	s.AddResource(resourceHandler.StatusResource(), resourceHandler.HandleStatus)

	// --- Journal retention job ---
	//
	// Journal memories are time-windowed; a daily job tombstones the ones
	// older than the configured retention. Core memories are never touched.

	scheduler, err := newRetentionScheduler(store, cfg, log)
	if err != nil {
		_ = store.Close()
		return nil, noop, fmt.Errorf("starting retention scheduler: %w", err)
	}

	cleanup := func() {
		if err := scheduler.Shutdown(); err != nil {
			log.WithError(err).Warn("retention scheduler shutdown")
		}
		if err := store.Close(); err != nil {
			log.WithError(err).Warn("memory store close")
		}
	}
	return s, cleanup, nil
}

// noop is the default cleanup when initialization fails part-way.
func noop() {}

func newRetentionScheduler(store *memory.Store, cfg *config.Config, log *logrus.Logger) (gocron.Scheduler, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	retention := time.Duration(cfg.JournalRetentionDays) * 24 * time.Hour
	_, err = scheduler.NewJob(
		gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(3, 0, 0))),
		gocron.NewTask(func() {
			cutoff := time.Now().UTC().Add(-retention)
			n, err := store.PurgeExpiredJournal(cutoff)
			if err != nil {
				log.WithError(err).Error("journal retention purge failed")
				return
			}
			if n > 0 {
				log.WithFields(logrus.Fields{
					"purged": n,
					"cutoff": cutoff.Format(time.RFC3339),
				}).Info("journal retention purge")
			}
		}),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return nil, err
	}

	scheduler.Start()
	return scheduler, nil
}

// serverInstructions returns the system instructions that tell the AI how to
// use the refinery effectively.
func serverInstructions() string {
	return `You have access to Refinery, an agent memory refinement MCP server.

## MEMORY MODEL

Each agent owns two kinds of memory:
- journal: day-to-day observations that expire after a retention window
- core: permanent identity memory, measured in estimated tokens ("mass")

Core memories marked constitutional can never be deleted or consolidated.

## SAVING AND SEARCHING

Use memory_save to record observations (journal by default, kind='core' for
identity-defining facts). Use memory_search to look up live core memories and
memory_stats to see counts and current core mass.

## REFINEMENT SESSIONS

When an agent's core memory grows bloated, run a refinement session:

1. refine_begin {agent_id} — opens a session and records the baseline mass
2. refine_act {session_id, action, ...} — one of:
   - search {query}: find candidate memories
   - consolidate {ids, content}: merge two or more memories into one
   - update {id, content}: rewrite a memory in place
   - delete {id}: tombstone a memory
   - protect {id}: mark a memory constitutional
   - complete {summary}: finish the session
3. Every mutation is recorded in an audit trail. If complete finds that the
   session destroyed too much core mass (below the agent's retention
   threshold), every change is rolled back automatically and the result
   explains why.

Work incrementally and prefer consolidation over deletion: the goal is a
denser memory, not a smaller one.`
}
