package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"ignition/model"
)

// smokePrograms prints a greeting in every supported language.
var smokePrograms = map[string]string{
	"python": "print('hello world!')",
	"c": strings.Join([]string{
		"#include <stdio.h>",
		`int main(){printf("Hello World");return 0;}`,
	}, "\n"),
	"cpp": strings.Join([]string{
		"#include <iostream>",
		`int main() {std::cout << "Hello World"; return 0;}`,
	}, "\n"),
	"cs":         `class Hello {static void Main(string[] args){System.Console.WriteLine("Hello World!");}}`,
	"javascript": "console.log('hello world!')",
	"typescript": "const greeting: string = 'hello world!';\nconsole.log(greeting);",
	"php":        "<?php echo 'Hello world!';",
	"java":       `class HelloWorld {public static void main(String[] args) {System.out.println("Hello, World!");}}`,
	"go": strings.Join([]string{
		"package main",
		`import "fmt"`,
		"func main() {",
		`fmt.Println("Hello world!")`,
		"}",
	}, "\n"),
}

type smokeResult struct {
	language string
	reply    model.ProcessReply
	err      error
}

var smokeCmd = &cobra.Command{
	Use:   "smoke [language...]",
	Short: "Run a hello-world program in every language",
	RunE: func(cmd *cobra.Command, args []string) error {
		languages := args
		if len(languages) == 0 {
			for l := range smokePrograms {
				languages = append(languages, l)
			}
		}
		sort.Strings(languages)

		nc, err := connect()
		if err != nil {
			return err
		}
		defer nc.Close()

		results := runSmoke(languages, func(req model.ProcessRequest) (model.ProcessReply, error) {
			return submit(nc, req)
		})
		if failed := printSmoke(cmd.OutOrStdout(), results); failed > 0 {
			return fmt.Errorf("%d of %d smoke programs failed", failed, len(results))
		}
		return nil
	},
}

// runSmoke submits every program concurrently and returns the results in
// the order of languages.
func runSmoke(languages []string, send func(model.ProcessRequest) (model.ProcessReply, error)) []smokeResult {
	results := make([]smokeResult, len(languages))
	var wg sync.WaitGroup
	for i, l := range languages {
		code, ok := smokePrograms[l]
		if !ok {
			results[i] = smokeResult{language: l, err: fmt.Errorf("no smoke program for %q", l)}
			continue
		}
		wg.Add(1)
		go func(i int, l, code string) {
			defer wg.Done()
			reply, err := send(model.ProcessRequest{Language: l, Code: code})
			results[i] = smokeResult{language: l, reply: reply, err: err}
		}(i, l, code)
	}
	wg.Wait()
	return results
}

func printSmoke(w io.Writer, results []smokeResult) int {
	failed := 0
	for _, r := range results {
		fmt.Fprintf(w, "%-12s ", r.language)
		if r.err != nil {
			failed++
			color.New(color.FgRed).Fprintln(w, r.err)
			continue
		}
		if r.reply.Status != "success" {
			failed++
		}
		statusColor(r.reply.Status).Fprint(w, r.reply.Status)
		if r.reply.Response != nil && r.reply.Response.Stdout != nil {
			fmt.Fprintf(w, "  %q", strings.TrimSpace(*r.reply.Response.Stdout))
		}
		fmt.Fprintln(w)
	}
	return failed
}

func init() {
	rootCmd.AddCommand(smokeCmd)
}
