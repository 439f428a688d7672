package backend

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/antonkrylov/remote-ikernel/internal/expect/expecttest"
)

func TestLookupUnknown(t *testing.T) {
	_, err := Lookup("condor")
	var unknown *UnknownInterfaceError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected *UnknownInterfaceError, got %v", err)
	}
	if unknown.Name != "condor" {
		t.Fatalf("name = %q", unknown.Name)
	}
}

func TestLookupIsCaseInsensitive(t *testing.T) {
	s, err := Lookup(" SGE ")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if s.Name() != "sge" || s.Label() != "GridEngine" {
		t.Fatalf("got %s/%s", s.Name(), s.Label())
	}
}

func TestCommands(t *testing.T) {
	tests := []struct {
		backend string
		opts    Options
		want    string
	}{
		{"local", Options{}, "/bin/bash"},
		{"local", Options{LaunchArgs: "--login"}, "/bin/bash --login"},
		{"ssh", Options{Host: "node-3"}, "ssh -o StrictHostKeyChecking=no node-3"},
		{"ssh", Options{Host: "node-3", LaunchArgs: "-p 2222"}, "ssh -o StrictHostKeyChecking=no -p 2222 node-3"},
		{"sge", Options{CPUs: 1, PE: "smp"}, "qlogin -now n -N remote_ikernel"},
		{"sge", Options{CPUs: 4, PE: "smp", LaunchArgs: "-l h_rt=24:00:00"}, "qlogin -now n -pe smp 4 -N remote_ikernel -l h_rt=24:00:00"},
		{"sge", Options{LaunchCmd: "qrsh"}, "qrsh -now n -N remote_ikernel"},
		{"pbs", Options{CPUs: 8}, "qsub -I -l ncpus=8 -N remote_ikernel"},
		{"slurm", Options{CPUs: 2, LaunchArgs: "-p short"}, "srun --cpus-per-task 2 -J remote_ikernel -p short -v -u bash -i"},
		{"slurm", Options{}, "srun -J remote_ikernel -v -u bash -i"},
		{"lsf", Options{CPUs: 2}, "bsub -Is -n 2 -J remote_ikernel bash"},
	}
	for _, tt := range tests {
		s, err := Lookup(tt.backend)
		if err != nil {
			t.Fatalf("lookup %s: %v", tt.backend, err)
		}
		plan, err := s.Plan(tt.opts)
		if err != nil {
			t.Fatalf("%s plan: %v", tt.backend, err)
		}
		if plan.Command != tt.want {
			t.Fatalf("%s command = %q, want %q", tt.backend, plan.Command, tt.want)
		}
	}
}

func TestLocalPlanIsNotRemote(t *testing.T) {
	plan, err := local{}.Plan(Options{})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.Remote || plan.Host != "localhost" || len(plan.Stages) != 0 {
		t.Fatalf("unexpected local plan: %+v", plan)
	}
}

func TestSSHRequiresHost(t *testing.T) {
	if _, err := (ssh{}).Plan(Options{}); err == nil {
		t.Fatalf("expected error without host")
	}
}

func TestEstablishExtractsHost(t *testing.T) {
	tests := []struct {
		backend string
		output  string
		respond func(string) string
		want    string
	}{
		{
			backend: "sge",
			output:  "Your job 1234 (\"remote_ikernel\") has been submitted\r\nwaiting for interactive job to be scheduled ...\r\nEstablishing builtin session to host compute-07 ...\r\n",
			want:    "compute-07",
		},
		{
			backend: "pbs",
			output:  "qsub: waiting for job 12345.master to start\r\nqsub: job 12345.master ready\r\n",
			respond: func(line string) string {
				if line == pbsProbe {
					return "Running on node-3.cluster\r\n"
				}
				return ""
			},
			want: "node-3.cluster",
		},
		{
			backend: "slurm",
			output:  "srun: jobid 99 submitted\r\nsrun: Node gpu-12, 1 tasks started\r\n",
			want:    "gpu-12",
		},
		{
			backend: "lsf",
			output:  "Job <4412> is submitted to default queue <interactive>.\r\n<<Waiting for dispatch ...>>\r\n<<Starting on hpc-node-5>>\r\n",
			want:    "hpc-node-5",
		},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			s, err := Lookup(tt.backend)
			if err != nil {
				t.Fatalf("lookup: %v", err)
			}
			plan, err := s.Plan(Options{CPUs: 1})
			if err != nil {
				t.Fatalf("plan: %v", err)
			}
			conn := expecttest.NewConn(tt.output)
			conn.Respond = tt.respond
			host, err := Establish(conn, plan, time.Minute)
			if err != nil {
				t.Fatalf("establish: %v", err)
			}
			if host != tt.want {
				t.Fatalf("host = %q, want %q", host, tt.want)
			}
		})
	}
}

func TestEstablishTrimsWhitespace(t *testing.T) {
	plan, _ := sge{}.Plan(Options{})
	conn := expecttest.NewConn("Establishing builtin session to host  node-9  ...\r\n")
	host, err := Establish(conn, plan, time.Minute)
	if err != nil {
		t.Fatalf("establish: %v", err)
	}
	if host != "node-9" {
		t.Fatalf("host = %q", host)
	}
}

func TestEstablishTimeout(t *testing.T) {
	for _, name := range []string{"sge", "pbs", "slurm", "lsf"} {
		t.Run(name, func(t *testing.T) {
			s, _ := Lookup(name)
			plan, _ := s.Plan(Options{})
			conn := expecttest.NewConn("waiting for interactive job to be scheduled ...\r\n")
			host, err := Establish(conn, plan, time.Second)
			var lte *LaunchTimeoutError
			if !errors.As(err, &lte) {
				t.Fatalf("expected *LaunchTimeoutError, got %v", err)
			}
			if host != "" {
				t.Fatalf("host set on timeout: %q", host)
			}
			if lte.Backend != name || !strings.Contains(lte.Error(), name) {
				t.Fatalf("error does not name backend: %v", lte)
			}
		})
	}
}

func TestEstablishWithoutStages(t *testing.T) {
	plan, _ := ssh{}.Plan(Options{Host: "login1"})
	host, err := Establish(expecttest.NewConn(), plan, time.Second)
	if err != nil || host != "login1" {
		t.Fatalf("establish = %q, %v", host, err)
	}
}

func TestPBSProbeDoesNotMatchItself(t *testing.T) {
	if pbsRunning.MatchString(pbsProbe) {
		t.Fatalf("probe %q matches its own pattern", pbsProbe)
	}
}
