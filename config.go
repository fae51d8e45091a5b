package hivehost

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Language describes one supported guest language and its build template.
type Language struct {
	ID              string `yaml:"id"`
	Name            string `yaml:"name"`
	Description     string `yaml:"description"`
	MainFileExample string `yaml:"main_file_example"`
	// Dockerfile is the build template. {{MAIN_FILE}} is replaced with the
	// entry point; {{PROJECT_NAME}} is filled by the language's descriptor hook.
	Dockerfile string `yaml:"dockerfile"`
}

// Config holds the full platform configuration.
type Config struct {
	TelegramToken        string     `yaml:"telegram_token"`
	DataDir              string     `yaml:"data_dir"`
	DBPath               string     `yaml:"db_path"`
	MaxContainersPerUser int        `yaml:"max_containers_per_user"`
	MinRAMMB             int        `yaml:"min_ram_mb"`
	MaxRAMMB             int        `yaml:"max_ram_mb"`
	Languages            []Language `yaml:"languages"`
}

// DefaultConfig returns the built-in configuration: quota 3, RAM 128..512 MB,
// and the stock language set.
func DefaultConfig() Config {
	return Config{
		DataDir:              "data",
		DBPath:               "data/hivehost.db",
		MaxContainersPerUser: 3,
		MinRAMMB:             128,
		MaxRAMMB:             512,
		Languages:            defaultLanguages(),
	}
}

// LoadConfig reads a YAML config file over the defaults. A missing file is not
// an error; the defaults are returned as-is.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults fills zero-valued fields after a partial YAML override.
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.DBPath == "" {
		c.DBPath = d.DBPath
	}
	if c.MaxContainersPerUser <= 0 {
		c.MaxContainersPerUser = d.MaxContainersPerUser
	}
	if c.MinRAMMB <= 0 {
		c.MinRAMMB = d.MinRAMMB
	}
	if c.MaxRAMMB <= 0 {
		c.MaxRAMMB = d.MaxRAMMB
	}
	if len(c.Languages) == 0 {
		c.Languages = d.Languages
	}
}

// Language looks up a supported language by id.
func (c *Config) Language(id string) (Language, bool) {
	for _, l := range c.Languages {
		if l.ID == id {
			return l, true
		}
	}
	return Language{}, false
}

// ValidRAM reports whether ram is inside the configured bounds.
func (c *Config) ValidRAM(ram int) bool {
	return ram >= c.MinRAMMB && ram <= c.MaxRAMMB
}

func defaultLanguages() []Language {
	return []Language{
		{
			ID:              "javascript",
			Name:            "JavaScript (Node.js)",
			Description:     "For bots written in JavaScript/Node.js",
			MainFileExample: "index.js, src/index.js",
			Dockerfile: `FROM ubuntu:24.04
WORKDIR /app

RUN apt-get update && apt-get install -y curl
RUN curl -fsSL https://deb.nodesource.com/setup_22.x | bash -
RUN apt-get install -y nodejs

COPY . .

RUN npm install --production

CMD ["node", "{{MAIN_FILE}}"]
`,
		},
		{
			ID:              "typescript",
			Name:            "TypeScript",
			Description:     "For bots written in TypeScript",
			MainFileExample: "src/index.ts, index.ts",
			Dockerfile: `FROM ubuntu:24.04
WORKDIR /app

RUN apt-get update && apt-get install -y curl
RUN curl -fsSL https://deb.nodesource.com/setup_22.x | bash -
RUN apt-get install -y nodejs

COPY . .

RUN npm install --production
RUN npm install -g typescript ts-node

CMD ["npx", "ts-node", "{{MAIN_FILE}}"]
`,
		},
		{
			ID:              "python",
			Name:            "Python",
			Description:     "For bots written in Python",
			MainFileExample: "main.py, bot.py",
			Dockerfile: `FROM ubuntu:24.04
WORKDIR /app

RUN apt-get update && apt-get install -y python3 python3-pip

COPY . .

RUN pip3 install -r requirements.txt

CMD ["python3", "{{MAIN_FILE}}"]
`,
		},
		{
			ID:              "ruby",
			Name:            "Ruby",
			Description:     "For bots written in Ruby",
			MainFileExample: "main.rb, bot.rb",
			Dockerfile: `FROM ubuntu:24.04
WORKDIR /app

RUN apt-get update && apt-get install -y ruby-full

COPY . .

RUN gem install bundler && bundle install

CMD ["ruby", "{{MAIN_FILE}}"]
`,
		},
		{
			ID:              "go",
			Name:            "Go",
			Description:     "For bots written in Go",
			MainFileExample: "main.go, cmd/bot/main.go",
			Dockerfile: `FROM golang:1.22-bullseye
WORKDIR /app

COPY . .

RUN go build -o bot {{MAIN_FILE}}

CMD ["./bot"]
`,
		},
		{
			ID:              "csharp",
			Name:            "C# (.NET)",
			Description:     "For bots written in C#",
			MainFileExample: "Program.cs, Bot.cs",
			Dockerfile: `FROM mcr.microsoft.com/dotnet/sdk:8.0 AS build
WORKDIR /app

COPY . .

RUN dotnet restore
RUN dotnet publish -c Release -o out

FROM mcr.microsoft.com/dotnet/runtime:8.0
WORKDIR /app
COPY --from=build /app/out .

CMD ["dotnet", "{{PROJECT_NAME}}.dll"]
`,
		},
	}
}
