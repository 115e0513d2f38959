package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"time"

	mysqlclient "github.com/Octogonapus/RDSBenchmark/mysql_client"
	"github.com/Octogonapus/RDSBenchmark/provision"
	"github.com/Octogonapus/RDSBenchmark/report"
	sweeporchestrator "github.com/Octogonapus/RDSBenchmark/sweep_orchestrator"
	"github.com/Octogonapus/RDSBenchmark/util"
	"github.com/Octogonapus/RDSBenchmark/variant"
	"github.com/Octogonapus/RDSBenchmark/workload"
	_ "github.com/Octogonapus/RDSBenchmark/workload/sqlscript"
	"github.com/aws/aws-sdk-go-v2/config"
)

type variantFiles []string

func (vfs *variantFiles) String() string {
	return "string rep"
}

func (vfs *variantFiles) Set(value string) error {
	*vfs = append(*vfs, value)
	return nil
}

func main() {
	label := flag.String("label", "rdsbench", "Prefix applied to every instance and parameter group created by this sweep.")
	engineVersion := flag.String("engine-version", "5.7.44", "The MySQL engine version to provision.")
	pgFamily := flag.String("parameter-group-family", "mysql5.7", "The DB parameter group family matching the engine version.")
	instanceClass := flag.String("instance-class", "db.t3.micro", "The instance class used when a variant does not name one.")
	allocatedStorage := flag.Int("allocated-storage", 20, "Allocated storage in GB for each instance.")
	masterUsername := flag.String("master-username", "root", "The master username for each instance.")
	masterPassword := flag.String("master-password", "", "The master password for each instance. Randomly generated by default.")
	database := flag.String("database", "testdata", "The benchmark database created on each instance.")
	dbUser := flag.String("db-user", "testuser", "The benchmark database user created on each instance.")
	dbPassword := flag.String("db-password", "testpass", "The benchmark database user's password.")
	utf8Defaults := flag.Bool("utf8-defaults", true, "Fill in the standard utf8 parameters on every variant.")
	readyTimeout := flag.Duration("ready-timeout", 40*time.Minute, "How long to wait for each instance to become available.")
	pollInterval := flag.Duration("poll-interval", 30*time.Second, "How often to poll instance status while waiting.")
	resultDir := flag.String("result-dir", "results", "Save records into this directory.")
	uploadBucket := flag.String("upload-bucket", "", "Upload the results file to this S3 bucket after the sweep. No upload by default.")
	workloadFile := flag.String("workload-file", "", "The workload configuration file containing the workload specification. Required.")
	cleanup := flag.Bool("cleanup", false, "Only delete leftover labeled instances and parameter groups, then exit.")
	cleanupConcurrency := flag.Int("cleanup-concurrency", 4, "The number of goroutines used to delete leftover instances.")
	vfiles := variantFiles{}
	flag.Var(&vfiles, "variant-file", "The variant configuration file containing variants to sweep. Can be used multiple times; all variants will be loaded. At least one is required.")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	cfg, err := config.LoadDefaultConfig(context.Background())
	if err != nil {
		panic(err)
	}

	if *masterPassword == "" {
		*masterPassword = util.Randstring(20)
	}

	provisioner := provision.NewRDSProvisioner(&provision.RDSProvisionerInput{
		AwsConfig:            cfg,
		Label:                *label,
		Engine:               "mysql",
		EngineVersion:        *engineVersion,
		ParameterGroupFamily: *pgFamily,
		DefaultInstanceClass: *instanceClass,
		AllocatedStorageGB:   int32(*allocatedStorage),
		MasterUsername:       *masterUsername,
		MasterPassword:       *masterPassword,
	})

	if *cleanup {
		err = provisioner.Cleanup(context.Background(), *cleanupConcurrency)
		if err != nil {
			panic(err)
		}
		return
	}

	if len(vfiles) == 0 {
		panic(fmt.Errorf("variant-file is a required flag"))
	}
	if *workloadFile == "" {
		panic(fmt.Errorf("workload-file is a required flag"))
	}

	variants := []*variant.Variant{}
	for _, vf := range vfiles {
		buf, err := os.ReadFile(vf)
		if err != nil {
			panic(err)
		}
		vs, err := variant.LoadVariantsFromBuf(buf)
		if err != nil {
			panic(fmt.Errorf("loading %s: %w", vf, err))
		}
		variants = append(variants, vs...)
	}
	if *utf8Defaults {
		for _, v := range variants {
			variant.AddUTF8Defaults(v)
		}
	}
	slog.Info("loaded variants", slog.String("names", variant.ExplainVariants(variants)))

	wfData, err := os.ReadFile(*workloadFile)
	if err != nil {
		panic(err)
	}
	sr := workload.SerializedRunner{}
	err = json.Unmarshal(wfData, &sr)
	if err != nil {
		panic(err)
	}
	runner, err := workload.DeserializeRunner(&sr)
	if err != nil {
		panic(err)
	}

	err = os.MkdirAll(*resultDir, fs.ModePerm)
	if err != nil {
		panic(err)
	}
	resultPath := path.Join(*resultDir, "records.jsonl")
	recorder, err := report.NewJSONLRecorder(resultPath)
	if err != nil {
		panic(err)
	}
	defer recorder.Close()

	err = provisioner.SetUp(context.Background())
	defer provisioner.TearDown(context.Background())
	if err != nil {
		panic(err)
	}

	connect := func(ctx context.Context, handle *provision.InstanceHandle) (*sql.DB, error) {
		admin, err := mysqlclient.Connect(ctx, &mysqlclient.ConnectInput{
			Host:     handle.Endpoint,
			Port:     handle.Port,
			User:     *masterUsername,
			Password: *masterPassword,
		})
		if err != nil {
			return nil, err
		}
		err = mysqlclient.Bootstrap(ctx, admin, *database, *dbUser, *dbPassword)
		admin.Close()
		if err != nil {
			return nil, err
		}
		return mysqlclient.Connect(ctx, &mysqlclient.ConnectInput{
			Host:     handle.Endpoint,
			Port:     handle.Port,
			User:     *dbUser,
			Password: *dbPassword,
			Database: *database,
		})
	}

	orch := sweeporchestrator.NewSweepOrchestrator(&sweeporchestrator.SweepOrchestratorInput{
		Provisioner:  provisioner,
		Runner:       runner,
		Recorder:     recorder,
		Connect:      connect,
		Variants:     variants,
		ReadyTimeout: *readyTimeout,
		PollInterval: *pollInterval,
		ShowProgress: true,
	})

	err = orch.Run(context.Background())
	if err != nil {
		panic(err)
	}

	if *uploadBucket != "" {
		err = report.UploadResults(context.Background(), cfg, *uploadBucket, resultPath)
		if err != nil {
			panic(err)
		}
	}
}
