// Command c0vm loads a compiled C0VM module and executes it: read a
// path, print the final return value, exit non-zero with the fault
// category on stderr.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"c0vm/internal/loader"
	"c0vm/internal/natives"
	"c0vm/internal/vm"
)

// Fault categories map onto distinct process exit codes so a caller
// scripting around c0vm can distinguish fault kinds without parsing
// stderr.
var exitCodes = map[vm.FaultCategory]int{
	vm.FaultArithmetic:     2,
	vm.FaultMemory:         3,
	vm.FaultAssertion:      4,
	vm.FaultUserError:      5,
	vm.FaultInvalidOpcode:  6,
	vm.FaultStackUnderflow: 7,
	vm.FaultCallOverflow:   8,
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var trace bool
	var disasm bool

	cmd := &cobra.Command{
		Use:   "c0vm <module>",
		Short: "Execute a compiled C0VM bytecode module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0], trace, disasm)
		},
		SilenceUsage: true,
	}

	cmd.Flags().BoolVar(&trace, "trace", false, "log every dispatched instruction at debug level")
	cmd.Flags().BoolVar(&disasm, "disasm", false, "print a disassembly of every function and exit without running")
	return cmd
}

func run(path string, trace, disasm bool) error {
	log, err := newLogger(trace)
	if err != nil {
		return fmt.Errorf("constructing logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	image, err := loader.LoadFile(path, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load error:", err)
		return err
	}

	if disasm {
		fns := make([][]byte, len(image.FunctionPool))
		for i, fn := range image.FunctionPool {
			fns[i] = fn.Code
		}
		fmt.Print(vm.DisassembleProgram(fns))
		return nil
	}

	nt := natives.New(os.Stdout, os.Stdin, log)
	machine := vm.New(image, vm.WithNatives(nt), vm.WithLogger(log))

	result, fault := machine.Run()
	if fault != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", fault.Category, fault.Error())
		code, ok := exitCodes[fault.Category]
		if !ok {
			code = 1
		}
		os.Exit(code)
	}

	fmt.Println(result)
	return nil
}

func newLogger(trace bool) (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	if trace {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}
