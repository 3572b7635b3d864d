// roundup-admin is the command line administration tool: it opens a
// tracker home and runs one command against its database, committing
// on success.
package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/roundup-tracker/hyperdb/pkg/admin"
	"github.com/roundup-tracker/hyperdb/pkg/config"
	"github.com/roundup-tracker/hyperdb/pkg/hyperdb"
	"github.com/roundup-tracker/hyperdb/pkg/security"
	"github.com/roundup-tracker/hyperdb/pkg/session"
	"github.com/roundup-tracker/hyperdb/pkg/tracker"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	app := kingpin.New("roundup-admin", "Administer a roundup tracker database.")
	home := app.Flag("home", "Tracker home directory.").Short('i').Envar("TRACKER_HOME").Required().String()
	user := app.Flag("user", "Act as this user (default user 1).").Short('u').String()
	logLevel := app.Flag("loglevel", "Log level: debug, info, warn, error.").Default("warn").String()
	comma := app.Flag("comma", "Separate multi-valued output with commas.").Short('c').Bool()
	space := app.Flag("space", "Separate multi-valued output with spaces.").Short('s').Bool()
	separator := app.Flag("separator", "Separate multi-valued output with this string.").Short('S').String()
	designators := app.Flag("designators", "Print designators (issue1) instead of bare ids.").Short('d').Bool()

	install := app.Command("install", "Write a fresh config.ini into the tracker home.")
	installBackend := install.Arg("backend", "Storage backend: badger, pebble or sqlite.").Default("sqlite").String()

	create := app.Command("create", "Create a new item.")
	createClass := create.Arg("classname", "Class to create in.").Required().String()
	createProps := create.Arg("props", "propname=value assignments.").Strings()

	set := app.Command("set", "Set properties of existing items.")
	setItem := set.Arg("designators", "Items, e.g. issue23 or issue1,issue2.").Required().String()
	setProps := set.Arg("props", "propname=value assignments.").Strings()

	get := app.Command("get", "Print a property of one or more items.")
	getProp := get.Arg("property", "Property name.").Required().String()
	getItems := get.Arg("designators", "Items to read.").Required().Strings()

	display := app.Command("display", "Print every property of an item.")
	displayItem := display.Arg("designator", "Item to show.").Required().String()

	list := app.Command("list", "List live items of a class.")
	listClass := list.Arg("classname", "Class to list.").Required().String()
	listProp := list.Arg("property", "Property to print (default: the label).").String()

	table := app.Command("table", "Print items in fixed-width columns.")
	tableClass := table.Arg("classname", "Class to print.").Required().String()
	tableCols := table.Arg("columns", "propname or propname:width.").Required().Strings()

	find := app.Command("find", "Find items by link property values.")
	findClass := find.Arg("classname", "Class to search.").Required().String()
	findProps := find.Arg("props", "linkprop=value pairs.").Required().Strings()

	filter := app.Command("filter", "Filter items by property match expressions.")
	filterClass := filter.Arg("classname", "Class to search.").Required().String()
	filterProps := filter.Arg("props", "propname=expression pairs.").Strings()
	filterSort := filter.Flag("sort", "Sort properties, prefix - for descending.").Strings()

	history := app.Command("history", "Print an item's journal.")
	historyItem := history.Arg("designator", "Item to show.").Required().String()

	retire := app.Command("retire", "Retire one or more items.")
	retireItems := retire.Arg("designators", "Items to retire.").Required().Strings()

	restore := app.Command("restore", "Restore retired items.")
	restoreItems := restore.Arg("designators", "Items to restore.").Required().Strings()

	pack := app.Command("pack", "Compact journals older than a period or date.")
	packSpec := pack.Arg("period", "A period (30d, 2y) or a cutoff date.").Required().String()

	reindex := app.Command("reindex", "Rebuild the full-text index.")

	spec := app.Command("specification", "Print a class schema.")
	specClass := spec.Arg("classname", "Class to describe.").Required().String()

	sec := app.Command("security", "Print roles and permissions.")
	secRole := sec.Arg("role", "Only this role.").String()

	export := app.Command("export", "Export classes to CSV files.")
	exportDir := export.Arg("dir", "Output directory.").Required().String()
	exportClasses := export.Arg("classnames", "Classes to export (default: all).").Strings()

	imprt := app.Command("import", "Import CSV files written by export.")
	importDir := imprt.Arg("dir", "Directory holding the CSV files.").Required().String()

	cmd, err := app.Parse(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	setLogLevel(*logLevel)

	if cmd == install.FullCommand() {
		if err := os.MkdirAll(*home, 0o755); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		if err := config.WriteDefault(*home, *installBackend); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Printf("wrote %s/%s\n", *home, config.Filename)
		return 0
	}

	tr, err := tracker.Get(*home, defaultSchema())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	h, err := tr.Open(*user)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer h.Close()

	a := admin.New(h.DB, h.Security, os.Stdout)
	a.Designators = *designators
	switch {
	case *separator != "":
		a.Separator = *separator
	case *comma:
		a.Separator = ","
	case *space:
		a.Separator = " "
	}

	needsCommit := true
	switch cmd {
	case create.FullCommand():
		_, err = a.Create(*createClass, *createProps)
	case set.FullCommand():
		err = a.Set(*setItem, *setProps)
	case retire.FullCommand():
		err = a.Retire(*retireItems)
	case restore.FullCommand():
		err = a.Restore(*restoreItems)
	case imprt.FullCommand():
		err = a.Import(*importDir)
	default:
		needsCommit = false
		switch cmd {
		case get.FullCommand():
			err = a.Get(*getProp, *getItems)
		case display.FullCommand():
			err = a.Display(*displayItem)
		case list.FullCommand():
			err = a.List(*listClass, *listProp)
		case table.FullCommand():
			err = a.Table(*tableClass, *tableCols)
		case find.FullCommand():
			err = a.Find(*findClass, *findProps)
		case filter.FullCommand():
			err = a.Filter(*filterClass, *filterProps, *filterSort)
		case history.FullCommand():
			err = a.History(*historyItem)
		case pack.FullCommand():
			err = a.Pack(*packSpec)
		case reindex.FullCommand():
			err = a.Reindex()
		case spec.FullCommand():
			err = a.Specification(*specClass)
		case sec.FullCommand():
			err = a.Security(*secRole)
		case export.FullCommand():
			err = a.Export(*exportDir, *exportClasses)
		}
	}
	if err != nil {
		a.Rollback()
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if needsCommit {
		if err := a.Commit(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}
	return 0
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.WarnLevel)
	}
}

// defaultSchema is the classic issue tracker layout. Trackers with
// their own schema embed pkg/tracker directly.
func defaultSchema() tracker.Schema {
	return tracker.Schema{
		Classes: []hyperdb.ClassSpec{
			{
				Name: "user",
				Props: []hyperdb.PropDef{
					{Name: "username", Type: hyperdb.String{}},
					{Name: "password", Type: hyperdb.Password{}},
					{Name: "address", Type: hyperdb.String{}},
					{Name: "realname", Type: hyperdb.String{}},
					{Name: "phone", Type: hyperdb.String{}},
					{Name: "organisation", Type: hyperdb.String{}},
					{Name: "alternate_addresses", Type: hyperdb.String{}},
					{Name: "queries", Type: hyperdb.Multilink{Class: "query"}},
					{Name: "roles", Type: hyperdb.String{}},
					{Name: "timezone", Type: hyperdb.String{}},
				},
				Key:        "username",
				Journalled: true,
			},
			{
				Name: "query",
				Props: []hyperdb.PropDef{
					{Name: "klass", Type: hyperdb.String{}},
					{Name: "name", Type: hyperdb.String{}},
					{Name: "url", Type: hyperdb.String{}},
					{Name: "private_for", Type: hyperdb.Link{Class: "user"}},
				},
				Journalled: true,
			},
			{
				Name: "priority",
				Props: []hyperdb.PropDef{
					{Name: "name", Type: hyperdb.String{}},
					{Name: "order", Type: hyperdb.Number{}},
				},
				Key: "name",
			},
			{
				Name: "status",
				Props: []hyperdb.PropDef{
					{Name: "name", Type: hyperdb.String{}},
					{Name: "order", Type: hyperdb.Number{}},
				},
				Key: "name",
			},
			{
				Name: "keyword",
				Props: []hyperdb.PropDef{
					{Name: "name", Type: hyperdb.String{}},
				},
				Key: "name",
			},
			{
				Name: "file",
				Props: []hyperdb.PropDef{
					{Name: "name", Type: hyperdb.String{}},
					{Name: "type", Type: hyperdb.String{}},
					{Name: "content", Type: hyperdb.String{Indexed: true}},
				},
				Journalled: true,
				FileClass:  true,
			},
			{
				Name: "msg",
				Props: []hyperdb.PropDef{
					{Name: "author", Type: hyperdb.Link{Class: "user"}},
					{Name: "recipients", Type: hyperdb.Multilink{Class: "user"}},
					{Name: "date", Type: hyperdb.Date{}},
					{Name: "summary", Type: hyperdb.String{}},
					{Name: "files", Type: hyperdb.Multilink{Class: "file"}},
					{Name: "content", Type: hyperdb.String{Indexed: true}},
				},
				Journalled: true,
				FileClass:  true,
			},
			{
				Name: "issue",
				Props: []hyperdb.PropDef{
					{Name: "title", Type: hyperdb.String{Indexed: true}},
					{Name: "messages", Type: hyperdb.Multilink{Class: "msg"}},
					{Name: "files", Type: hyperdb.Multilink{Class: "file"}},
					{Name: "nosy", Type: hyperdb.Multilink{Class: "user"}},
					{Name: "superseder", Type: hyperdb.Multilink{Class: "issue"}},
					{Name: "priority", Type: hyperdb.Link{Class: "priority"}},
					{Name: "status", Type: hyperdb.Link{Class: "status"}},
					{Name: "assignedto", Type: hyperdb.Link{Class: "user"}},
					{Name: "keyword", Type: hyperdb.Multilink{Class: "keyword"}},
					{Name: "deadline", Type: hyperdb.Date{}},
					{Name: "timelog", Type: hyperdb.Interval{}},
				},
				Journalled: true,
			},
			session.ClassSpec("session"),
			session.ClassSpec("otk"),
		},
		ConfigureSecurity: configureSecurity,
	}
}

func configureSecurity(db *hyperdb.Database, sec *security.Security) {
	sec.AddRole("User", "A registered user")
	for _, classname := range []string{"issue", "msg", "file", "keyword", "query"} {
		for _, name := range []string{"View", "Edit", "Create"} {
			p := sec.AddPermission(&security.Permission{
				Name:        name,
				Description: name + " " + classname,
				Class:       classname,
			})
			sec.AddPermissionToRole("User", p)
		}
	}
	for _, classname := range []string{"priority", "status", "user"} {
		p := sec.AddPermission(&security.Permission{
			Name:        "View",
			Description: "View " + classname,
			Class:       classname,
		})
		sec.AddPermissionToRole("User", p)
	}
}
