package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/iancoleman/strcase"
	"github.com/urfave/cli/v2"

	"github.com/mohammed-shakir/olp-quadindex/internal/core/httpclient"
	"github.com/mohammed-shakir/olp-quadindex/internal/gateway/query"
	"github.com/mohammed-shakir/olp-quadindex/internal/quadkey"
	"github.com/mohammed-shakir/olp-quadindex/internal/resolver"
)

const (
	LEVEL           string = `level`
	ROW             string = `row`
	COLUMN          string = `column`
	UP              string = `up`
	LAT             string = `lat`
	LON             string = `lon`
	LAYER           string = `layer`
	AGGREGATED      string = `aggregated`
	INDEXDEPTH      string = `indexDepth`
	QUERYBASEURL    string = `queryBaseUrl`
	METADATABASEURL string = `metadataBaseUrl`
	PLATFORMTOKEN   string = `platformToken`
	LAYERVERSION    string = `layerVersion`
	BILLINGTAG      string = `billingTag`
	HTTPTIMEOUT     string = `httpTimeout`
)

var Version = "dev"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "quadkey"
	app.Usage = "Convert quadtree tile keys and resolve them against a layer index"
	app.Version = Version
	app.Commands = []*cli.Command{
		{
			Name:      "encode",
			Usage:     "Print the Morton code of a tile",
			ArgsUsage: " ",
			Flags: []cli.Flag{
				&cli.UintFlag{Name: LEVEL, Aliases: []string{"l"}, Required: true},
				&cli.UintFlag{Name: ROW, Aliases: []string{"r"}, Required: true},
				&cli.UintFlag{Name: COLUMN, Aliases: []string{"c"}, Required: true},
			},
			Action: func(c *cli.Context) error {
				code, err := quadkey.Encode(quadkey.QuadKey{
					Level:  uint32(c.Uint(LEVEL)),
					Row:    uint32(c.Uint(ROW)),
					Column: uint32(c.Uint(COLUMN)),
				})
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(c.App.Writer, code)
				return err
			},
		},
		{
			Name:      "decode",
			Usage:     "Print level/row/column of a Morton code",
			ArgsUsage: "CODE",
			Action: func(c *cli.Context) error {
				q, err := codeArg(c)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(c.App.Writer, q)
				return err
			},
		},
		{
			Name:      "parent",
			Usage:     "Print the Morton code of an ancestor",
			ArgsUsage: "CODE",
			Flags: []cli.Flag{
				&cli.IntFlag{Name: UP, Aliases: []string{"n"}, Value: 1},
			},
			Action: func(c *cli.Context) error {
				q, err := codeArg(c)
				if err != nil {
					return err
				}
				p, err := quadkey.ComputeParentKey(q, c.Int(UP))
				if err != nil {
					return err
				}
				code, err := quadkey.Encode(p)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(c.App.Writer, code)
				return err
			},
		},
		{
			Name:      "point",
			Usage:     "Print the Morton code of the tile containing a coordinate",
			ArgsUsage: " ",
			Flags: []cli.Flag{
				&cli.Float64Flag{Name: LAT, Required: true},
				&cli.Float64Flag{Name: LON, Required: true},
				&cli.UintFlag{Name: LEVEL, Aliases: []string{"l"}, Required: true},
			},
			Action: func(c *cli.Context) error {
				q, err := quadkey.FromLatLon(c.Float64(LAT), c.Float64(LON), uint32(c.Uint(LEVEL)))
				if err != nil {
					return err
				}
				code, _ := quadkey.Encode(q)
				_, err = fmt.Fprintf(c.App.Writer, "%d %s\n", code, q)
				return err
			},
		},
		{
			Name:      "resolve",
			Usage:     "Resolve the data handle of a tile from the layer index",
			ArgsUsage: "CODE",
			Flags:     resolveFlags(),
			Action:    resolveAction,
		},
	}
	return app
}

func resolveFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: LAYER, Required: true, EnvVars: []string{strcase.ToScreamingSnake(LAYER)}},
		&cli.BoolFlag{Name: AGGREGATED, Aliases: []string{"a"}, Usage: "Fall back to the nearest ancestor with data"},
		&cli.IntFlag{Name: INDEXDEPTH, Value: resolver.DefaultIndexDepth, EnvVars: []string{strcase.ToScreamingSnake(INDEXDEPTH)}},
		&cli.StringFlag{Name: QUERYBASEURL, Required: true, EnvVars: []string{strcase.ToScreamingSnake(QUERYBASEURL)}},
		&cli.StringFlag{Name: METADATABASEURL, EnvVars: []string{strcase.ToScreamingSnake(METADATABASEURL)}},
		&cli.StringFlag{Name: PLATFORMTOKEN, EnvVars: []string{strcase.ToScreamingSnake(PLATFORMTOKEN)}},
		&cli.Int64Flag{Name: LAYERVERSION, Value: query.LatestVersion, EnvVars: []string{strcase.ToScreamingSnake(LAYERVERSION)}},
		&cli.StringFlag{Name: BILLINGTAG, EnvVars: []string{strcase.ToScreamingSnake(BILLINGTAG)}},
		&cli.DurationFlag{Name: HTTPTIMEOUT, Value: 30 * time.Second, EnvVars: []string{strcase.ToScreamingSnake(HTTPTIMEOUT)}},
	}
}

func resolveAction(c *cli.Context) error {
	q, err := codeArg(c)
	if err != nil {
		return err
	}
	qc, err := query.New(nil, httpclient.NewOutbound(c.Duration(HTTPTIMEOUT)), query.Config{
		QueryBaseURL:    c.String(QUERYBASEURL),
		MetadataBaseURL: c.String(METADATABASEURL),
		Token:           c.String(PLATFORMTOKEN),
		BillingTag:      c.String(BILLINGTAG),
		Version:         c.Int64(LAYERVERSION),
	})
	if err != nil {
		return err
	}
	r, err := resolver.New(qc.Layer(c.String(LAYER)), resolver.Config{IndexDepth: c.Int(INDEXDEPTH)})
	if err != nil {
		return err
	}

	if c.Bool(AGGREGATED) {
		res, ok, err := r.ResolveAggregated(c.Context, q)
		if err != nil {
			return err
		}
		if !ok {
			return cli.Exit(fmt.Sprintf("no data at %s or any ancestor", q), 3)
		}
		code, _ := quadkey.Encode(res.QuadKey)
		_, err = fmt.Fprintf(c.App.Writer, "%s %d %s\n", res.Handle, code, res.QuadKey)
		return err
	}
	h, ok, err := r.ResolveExact(c.Context, q)
	if err != nil {
		return err
	}
	if !ok {
		return cli.Exit(fmt.Sprintf("no data at %s", q), 3)
	}
	_, err = fmt.Fprintln(c.App.Writer, h)
	return err
}

func codeArg(c *cli.Context) (quadkey.QuadKey, error) {
	if c.NArg() != 1 {
		return quadkey.QuadKey{}, fmt.Errorf("expected exactly one Morton code argument, got %d", c.NArg())
	}
	return quadkey.FromString(c.Args().First())
}
