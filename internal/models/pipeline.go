package models

import "time"

// StageResult records the outcome of one pipeline stage.
type StageResult struct {
	Name     string
	Duration time.Duration
	Error    error
}

// RunReport summarizes a pipeline run.
type RunReport struct {
	Host        string
	Environment string
	StartTime   time.Time
	Duration    time.Duration
	Stages      []StageResult
	FailedStage string
	Error       error
}

// Success reports whether every executed stage passed.
func (r RunReport) Success() bool {
	return r.Error == nil
}

// Stage names, in execution order.
const (
	StageBuild          = "build"
	StageInstall        = "install"
	StagePackage        = "package"
	StageInstallPackage = "install-package"
	StageConfigure      = "configure"
)

// AllStages lists every stage in the order the pipeline runs them.
var AllStages = []string{StageBuild, StageInstall, StagePackage, StageInstallPackage, StageConfigure}

// Verification oracle names.
const (
	OracleEtcdctl = "etcdctl"
	OracleTunnel  = "tunnel"
)
