package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/flowmesh/flowmesh/internal/broker"
	"github.com/flowmesh/flowmesh/internal/bus"
	"github.com/flowmesh/flowmesh/internal/config"
	"github.com/flowmesh/flowmesh/internal/logging"
	"github.com/flowmesh/flowmesh/internal/storage"
	"github.com/flowmesh/flowmesh/internal/workflow"
	"github.com/flowmesh/flowmesh/pkg/metrics"
)

var cfg *config.Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "flowmesh",
	Short: "FlowMesh - workflow execution engine and durable event bus",
	Long: `FlowMesh runs declarative multi-step workflows over a durable,
Redis-backed event bus.

Quick Start:
  1. Start the runtime:    flowmesh serve
  2. Register a workflow:  flowmesh workflow register --file workflow.yaml
  3. Execute it:           flowmesh workflow execute <workflow-id> --input '{"key":"value"}' --wait
  4. Check progress:       flowmesh execution status <execution-id>`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var err error
		cfg, err = config.LoadConfig()
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the FlowMesh runtime",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Manage workflow definitions",
}

var workflowRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a workflow from a YAML file",
	Run: func(cmd *cobra.Command, args []string) {
		file, _ := cmd.Flags().GetString("file")
		registerWorkflow(file)
	},
}

var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered workflows",
	Run: func(cmd *cobra.Command, args []string) {
		activeOnly, _ := cmd.Flags().GetBool("active")
		listWorkflows(activeOnly)
	},
}

var workflowExecuteCmd = &cobra.Command{
	Use:   "execute [workflow-id]",
	Short: "Start an execution",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		input, _ := cmd.Flags().GetString("input")
		wait, _ := cmd.Flags().GetBool("wait")
		executeWorkflow(args[0], input, wait)
	},
}

var executionCmd = &cobra.Command{
	Use:   "execution",
	Short: "Inspect and control executions",
}

var executionStatusCmd = &cobra.Command{
	Use:   "status [execution-id]",
	Short: "Show an execution record",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		showExecution(args[0])
	},
}

var executionCancelCmd = &cobra.Command{
	Use:   "cancel [execution-id]",
	Short: "Request cooperative cancellation",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cancelExecution(args[0])
	},
}

var executionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List executions",
	Run: func(cmd *cobra.Command, args []string) {
		workflowID, _ := cmd.Flags().GetString("workflow")
		status, _ := cmd.Flags().GetString("status")
		listExecutions(workflowID, status)
	},
}

func init() {
	workflowRegisterCmd.Flags().String("file", "", "Path to the workflow YAML file (required)")
	workflowRegisterCmd.MarkFlagRequired("file")
	workflowListCmd.Flags().Bool("active", false, "Only show active workflows")
	workflowExecuteCmd.Flags().String("input", "{}", "Execution input as a JSON object")
	workflowExecuteCmd.Flags().Bool("wait", false, "Print the full execution record when it finishes")
	executionListCmd.Flags().String("workflow", "", "Filter by workflow id")
	executionListCmd.Flags().String("status", "", "Filter by status")

	workflowCmd.AddCommand(workflowRegisterCmd, workflowListCmd, workflowExecuteCmd)
	executionCmd.AddCommand(executionStatusCmd, executionCancelCmd, executionListCmd)
	rootCmd.AddCommand(serveCmd, workflowCmd, executionCmd)
}

// runtime bundles the wired components every command needs.
type runtime struct {
	redisClient *redis.Client
	logger      *logging.Logger
	bus         *bus.Bus
	engine      *workflow.Engine
}

func newRuntime(ctx context.Context, console bool) *runtime {
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}

	logger, err := logging.NewLogger(redisClient, cfg.Logging.Dir, console && cfg.Logging.Console)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	streams := broker.NewRedis(redisClient, int64(cfg.Broker.MaxStreamLen))
	eventBus := bus.New(streams, logger, bus.Options{
		Source:       "flowmesh",
		MaxRetries:   cfg.Broker.MaxRetries,
		RetryDelay:   cfg.Broker.RetryDelay,
		ReadBlock:    cfg.Broker.ReadBlock,
		ClaimMinIdle: cfg.Broker.ClaimMinIdle,
	})

	repo := storage.NewRedis(redisClient)
	engine := workflow.NewEngine(repo, builtinAgents(), eventBus, logger, workflow.Options{
		MaxConcurrentExecutions: cfg.Engine.MaxConcurrentExecutions,
		DefaultStepTimeout:      cfg.Engine.DefaultStepTimeout,
		DefaultRetryDelay:       cfg.Engine.DefaultRetryDelay,
	})

	return &runtime{redisClient: redisClient, logger: logger, bus: eventBus, engine: engine}
}

func (r *runtime) close() {
	r.bus.Close()
	r.logger.Close()
	r.redisClient.Close()
}

func runServe() {
	ctx := context.Background()
	rt := newRuntime(ctx, true)
	defer rt.close()

	rt.logger.Info("server", "FlowMesh runtime starting", map[string]interface{}{
		"redis": cfg.Redis.Addr(),
	})

	collector := metrics.NewCollector(rt.bus, rt.redisClient)
	if err := collector.Start(); err != nil {
		log.Fatalf("Failed to start metrics collector: %v", err)
	}
	defer collector.Stop()

	if err := rt.bus.CreateConsumerGroup(ctx, workflow.EventStream, "flowmesh-runtime"); err != nil {
		log.Fatalf("Failed to create consumer group: %v", err)
	}
	consumerCtx, stopConsumer := context.WithCancel(ctx)
	defer stopConsumer()
	go func() {
		if err := rt.bus.ProcessGroupEvents(consumerCtx, workflow.EventStream, "flowmesh-runtime", "runtime-1"); err != nil && consumerCtx.Err() == nil {
			rt.logger.Error("server", "event consumer stopped", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	scheduler := workflow.NewScheduler(rt.engine, rt.logger)
	if err := scheduler.Restore(ctx); err != nil {
		log.Fatalf("Failed to restore triggers: %v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	fmt.Println("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := rt.engine.Shutdown(shutdownCtx); err != nil {
		rt.logger.Warn("server", "shutdown interrupted running executions", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func registerWorkflow(file string) {
	data, err := os.ReadFile(file)
	if err != nil {
		log.Fatalf("Failed to read workflow file: %v", err)
	}
	var wf workflow.Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		log.Fatalf("Failed to parse workflow file: %v", err)
	}

	ctx := context.Background()
	rt := newRuntime(ctx, false)
	defer rt.close()

	if err := rt.engine.RegisterWorkflow(ctx, &wf); err != nil {
		log.Fatalf("Failed to register workflow: %v", err)
	}
	fmt.Printf("Workflow registered: %s (version %d)\n", wf.ID, wf.Version)
}

func listWorkflows(activeOnly bool) {
	ctx := context.Background()
	rt := newRuntime(ctx, false)
	defer rt.close()

	workflows, err := rt.engine.ListWorkflows(ctx, activeOnly, 0, 0)
	if err != nil {
		log.Fatalf("Failed to list workflows: %v", err)
	}
	if len(workflows) == 0 {
		fmt.Println("No workflows registered")
		return
	}
	fmt.Printf("%-38s %-24s %-8s %-6s %s\n", "ID", "NAME", "VERSION", "STEPS", "ACTIVE")
	for _, wf := range workflows {
		fmt.Printf("%-38s %-24s %-8d %-6d %v\n", wf.ID, wf.Name, wf.Version, len(wf.Steps), wf.Active)
	}
}

func executeWorkflow(workflowID, input string, wait bool) {
	var inputData map[string]interface{}
	if err := json.Unmarshal([]byte(input), &inputData); err != nil {
		log.Fatalf("Failed to parse input JSON: %v", err)
	}

	ctx := context.Background()
	rt := newRuntime(ctx, false)
	defer rt.close()

	exec, err := rt.engine.ExecuteWorkflow(ctx, workflowID, inputData, "cli")
	if err != nil {
		log.Fatalf("Failed to start execution: %v", err)
	}
	fmt.Printf("Execution started: %s\n", exec.ID)

	// The driver runs in this process, so stay alive until it finishes.
	for {
		time.Sleep(200 * time.Millisecond)
		current, err := rt.engine.GetExecutionStatus(ctx, exec.ID)
		if err != nil {
			log.Fatalf("Failed to poll execution: %v", err)
		}
		if current.Status.Terminal() {
			if wait {
				printExecution(current)
			} else {
				fmt.Printf("Execution %s finished: %s\n", current.ID, current.Status)
			}
			return
		}
	}
}

func showExecution(id string) {
	ctx := context.Background()
	rt := newRuntime(ctx, false)
	defer rt.close()

	exec, err := rt.engine.GetExecutionStatus(ctx, id)
	if err != nil {
		log.Fatalf("Failed to get execution: %v", err)
	}
	printExecution(exec)
}

func cancelExecution(id string) {
	ctx := context.Background()
	rt := newRuntime(ctx, false)
	defer rt.close()

	if err := rt.engine.CancelExecution(ctx, id); err != nil {
		log.Fatalf("Failed to cancel execution: %v", err)
	}
	fmt.Printf("Cancellation requested for %s\n", id)
}

func listExecutions(workflowID, status string) {
	ctx := context.Background()
	rt := newRuntime(ctx, false)
	defer rt.close()

	executions, err := rt.engine.ListExecutions(ctx, workflow.ExecutionFilter{
		WorkflowID: workflowID,
		Status:     workflow.Status(status),
	})
	if err != nil {
		log.Fatalf("Failed to list executions: %v", err)
	}
	if len(executions) == 0 {
		fmt.Println("No executions found")
		return
	}
	fmt.Printf("%-38s %-38s %-10s %s\n", "ID", "WORKFLOW", "STATUS", "CREATED")
	for _, exec := range executions {
		fmt.Printf("%-38s %-38s %-10s %s\n", exec.ID, exec.WorkflowID, exec.Status, exec.CreatedAt.Format(time.RFC3339))
	}
}

func printExecution(exec *workflow.Execution) {
	data, err := json.MarshalIndent(exec, "", "  ")
	if err != nil {
		log.Fatalf("Failed to render execution: %v", err)
	}
	fmt.Println(string(data))
}
