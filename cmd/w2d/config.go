package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/w2d/pkg/connector"
	"github.com/lrhodin/w2d/pkg/media"
)

var generateConfigCommand = &cli.Command{
	Name:  "generate-config",
	Usage: "Write the example configuration file",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Value:   "-",
			Usage:   "Output file path (- for stdout)",
		},
		&cli.StringFlag{
			Name:  "token",
			Usage: "Discord bot token to put in the generated config",
		},
	},
	Action: cmdGenerateConfig,
}

func cmdGenerateConfig(ctx *cli.Context) error {
	output := connector.ExampleConfig
	if token := ctx.String("token"); token != "" {
		output = replaceToken(output, token)
	}
	outputPath := ctx.String("output")
	if outputPath == "-" {
		fmt.Print(output)
		return nil
	}
	if _, err := os.Stat(outputPath); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite it", outputPath)
	}
	if err := os.WriteFile(outputPath, []byte(output), 0600); err != nil {
		return fmt.Errorf("failed to write config to %s: %w", outputPath, err)
	}
	fmt.Fprintf(os.Stderr, "Config written to %s\n", outputPath)
	return nil
}

func replaceToken(config, token string) string {
	return strings.Replace(config, `token: ""`, fmt.Sprintf("token: %q", token), 1)
}

var checkCommand = &cli.Command{
	Name:   "check",
	Usage:  "Check that ffmpeg and ImageMagick are installed",
	Before: prepareApp,
	Action: func(ctx *cli.Context) error {
		cfg := getConfig(ctx)
		if err := media.CheckDependencies(cfg.Media.ImageMagickPath, cfg.Media.ZapSound, *getLogger(ctx)); err != nil {
			return err
		}
		fmt.Println("All external dependencies are available")
		return nil
	},
}
